// Package web holds the upload page and its static assets.
package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var Templates embed.FS

//go:embed static
var Static embed.FS

// ParseTemplates parses the embedded page templates.
func ParseTemplates() (*template.Template, error) {
	return template.ParseFS(Templates, "templates/*.html")
}
