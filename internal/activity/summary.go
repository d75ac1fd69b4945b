package activity

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

const (
	// MaxRecentRuns is the number of runs listed one per line.
	MaxRecentRuns = 20
	// MaxSummaryChars caps the rendered summary.
	MaxSummaryChars = 4000

	trailingWeeks = 4
)

// FormatPace renders seconds per kilometer as M:SS/km. Zero distance renders as --/km.
func FormatPace(distanceMeters float64, seconds int) string {
	if distanceMeters <= 0 || seconds <= 0 {
		return "--/km"
	}
	perKm := int(math.Round(float64(seconds) / (distanceMeters / 1000)))
	return fmt.Sprintf("%d:%02d/km", perKm/60, perKm%60)
}

// FormatDuration renders a duration as 1h05min or 42min10s.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%dh%02dmin", h, m)
	}
	return fmt.Sprintf("%dmin%02ds", m, s)
}

func km(meters float64) string {
	return fmt.Sprintf("%.2f km", meters/1000)
}

// TrailingWindow is the span of the weekly average line.
const TrailingWindow = trailingWeeks * 7 * 24 * time.Hour

// FetchWindow is the lookback needed to summarize window: at least the
// trailing average span.
func FetchWindow(window time.Duration) time.Duration {
	return max(window, TrailingWindow)
}

// Summarize renders runs as the text block embedded in the model context.
// Totals and the run list cover window; the weekly average covers the last
// four weeks of runs whatever the window. No run inside window yields "".
func Summarize(runs []models.Activity, now time.Time, window time.Duration) string {
	windowStart := now.Add(-window)
	trailingStart := now.Add(-TrailingWindow)

	var inWindow []models.Activity
	var totalDist float64
	var totalTime int
	var trailingDist float64
	for _, a := range runs {
		if !a.StartDate.Before(trailingStart) {
			trailingDist += a.Distance
		}
		if a.StartDate.Before(windowStart) {
			continue
		}
		inWindow = append(inWindow, a)
		totalDist += a.Distance
		totalTime += a.MovingTime
	}
	if len(inWindow) == 0 {
		return ""
	}

	sorted := inWindow
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartDate.After(sorted[j].StartDate) })
	if len(sorted) > MaxRecentRuns {
		sorted = sorted[:MaxRecentRuns]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DADOS DO STRAVA (últimos %d dias):\n", int(window.Hours()/24))
	fmt.Fprintf(&b, "Corridas: %d | Distância total: %s | Tempo total: %s | Pace médio: %s\n",
		len(inWindow), km(totalDist), FormatDuration(totalTime), FormatPace(totalDist, totalTime))
	fmt.Fprintf(&b, "Média semanal (últimas %d semanas): %s\n", trailingWeeks, km(trailingDist/trailingWeeks))
	b.WriteString("Corridas recentes:\n")
	for _, a := range sorted {
		date := a.StartDateLocal
		if date.IsZero() {
			date = a.StartDate
		}
		fmt.Fprintf(&b, "- %s | %s | %s | %s | %s", date.Format("02/01/2006"), a.Name, km(a.Distance),
			FormatDuration(a.MovingTime), FormatPace(a.Distance, a.MovingTime))
		if a.HasHeartrate && a.AverageHeartrate > 0 {
			fmt.Fprintf(&b, " | FC média %.0f bpm", a.AverageHeartrate)
		}
		fmt.Fprintf(&b, " | +%.0f m\n", a.TotalElevationGain)
	}
	return util.TruncateRunes(strings.TrimRight(b.String(), "\n"), MaxSummaryChars)
}
