package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/yuin/goldmark"

	"github.com/hpungsan/fieldsync/internal/errors"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Refresh int // seconds between automatic reloads, 0 disables
}

// ListPageData is the template data for the document list page.
type ListPageData struct {
	PageData
	Query string
	Docs  []DocSummary
}

// DetailPageData is the template data for the document detail page.
type DetailPageData struct {
	PageData
	Doc DocView
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string) *Renderer {
	funcMap := template.FuncMap{
		"formatChars": formatChars,
		"initial":     initial,
	}

	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"list":   "list.html",
		"detail": "detail.html",
		"error":  "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
	}
}

func (r *Renderer) page(title string) PageData {
	return PageData{Title: title, Version: r.version}
}

// renderPage renders a named page template with HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, name string, data any) {
	r.renderPageStatus(w, http.StatusOK, name, data)
}

func (r *Renderer) renderPageStatus(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		glog.Errorf("[web]template %q not found\n", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		glog.Errorf("[web]template %q: %s\n", name, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response as JSON or as the error page.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	sErr := errors.As(err)
	status := sErr.Status

	if wantsJSON(req) {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    string(sErr.Code),
				"message": sErr.Message,
				"status":  status,
			},
		})
		return
	}

	data := ErrorPageData{
		PageData:   r.page(fmt.Sprintf("Error %d", status)),
		StatusCode: status,
		Message:    sErr.Message,
	}
	r.renderPageStatus(w, status, "error", data)
}

func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark. Raw HTML in
// the source is dropped by goldmark's default renderer.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatChars formats an integer with comma thousands separators.
func formatChars(n int) string {
	if n < 0 {
		return "-" + formatChars(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// initial returns the upper-cased first letter of name, used as an avatar.
func initial(name string) string {
	for _, r := range name {
		return strings.ToUpper(string(r))
	}
	return "?"
}
