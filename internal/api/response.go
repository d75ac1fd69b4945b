// Package api provides HTTP response utilities for PaceMate.
package api

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PaceMate/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// page is the user-facing HTML shown on browser round trips (checkout return, Strava OAuth).
var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="pt-br">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; background: #f0f9ff; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; padding: 20px; }
.card { background: white; border-radius: 16px; padding: 40px; max-width: 440px; text-align: center; box-shadow: 0 4px 24px rgba(0,0,0,0.08); }
.emoji { font-size: 52px; margin-bottom: 16px; }
h1 { color: #1a1a2e; font-size: 22px; }
p { color: #555; line-height: 1.6; }
.btn { display: inline-block; margin-top: 16px; background: #fc4c02; color: white; padding: 14px 24px; border-radius: 10px; text-decoration: none; font-weight: bold; }
</style>
</head>
<body>
<div class="card">
<div class="emoji">{{.Emoji}}</div>
<h1>{{.Title}}</h1>
<p>{{.Body}}</p>
{{if .Link}}<a class="btn" href="{{.Link}}">{{.LinkLabel}}</a>{{end}}
</div>
</body>
</html>`))

type pageData struct {
	Emoji     string
	Title     string
	Body      string
	Link      string
	LinkLabel string
}

// writePage renders the HTML page.
func writePage(w http.ResponseWriter, statusCode int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := page.Execute(w, data); err != nil {
		slog.Error("Server.writePage: render failed", "error", err)
	}
}
