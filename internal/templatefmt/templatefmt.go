package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns shared alert template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtHours":    FormatHours,
		"upper":       strings.ToUpper,
		"json":        MarshalJSON,
	}
}

// ParseAlertTemplate parses one alert message template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseAlertTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatHours renders fractional business hours in compact human form.
// Params: template value expected as float64.
// Returns: hours with one decimal, or whole days above two working days.
func FormatHours(value any) string {
	hours, ok := value.(float64)
	if !ok {
		return "0.0h"
	}
	if hours < 0 {
		hours = -hours
	}
	if hours >= 16 {
		return fmt.Sprintf("%.1fd", hours/8)
	}
	return fmt.Sprintf("%.1fh", hours)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
