package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// envValue returns the trimmed value of key and whether it is set to
// something other than blanks.
func envValue(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// GetEnv returns the value of key, or fallback when unset or blank.
func GetEnv(key, fallback string) string {
	if v, ok := envValue(key); ok {
		return v
	}
	return fallback
}

// ParseBoolEnv understands true/false, 1/0, yes/no and on/off in any case.
// Anything else keeps the default and is logged.
func ParseBoolEnv(key string, def bool) bool {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	slog.Warn("util.ParseBoolEnv: not a boolean, keeping default", "key", key, "value", v, "default", def)
	return def
}

// ParseIntEnv returns def when key is unset or not an integer.
func ParseIntEnv(key string, def int) int {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("util.ParseIntEnv: not an integer, keeping default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}
