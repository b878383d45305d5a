package web

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hpungsan/fieldsync/internal/awareness"
	"github.com/hpungsan/fieldsync/internal/config"
	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/lock"
	"github.com/hpungsan/fieldsync/internal/replica"
	"github.com/hpungsan/fieldsync/internal/transport"
)

// Handlers contains HTTP route handlers for the status UI.
type Handlers struct {
	src      Source
	cfg      *config.Config
	renderer *Renderer
}

// DocSummary is one row of the document list.
type DocSummary struct {
	Document string   `json:"document"`
	Peers    int      `json:"peers"`
	Users    []string `json:"users"`
	Editing  int      `json:"editing"`
}

// DocView is the state of one document as seen from the relay.
type DocView struct {
	Document string      `json:"document"`
	Peers    int         `json:"peers"`
	Pending  int         `json:"pending"`
	Fields   []FieldView `json:"fields"`
	Users    []UserView  `json:"users"`
}

// FieldView is one field with its text and lock holder.
type FieldView struct {
	Name     string        `json:"name"`
	Text     string        `json:"text"`
	Chars    int           `json:"chars"`
	Markdown bool          `json:"markdown,omitempty"`
	HTML     template.HTML `json:"-"`
	Lock     lock.View     `json:"lock"`
}

// UserView is one connected user.
type UserView struct {
	ID           replica.ID `json:"id"`
	Name         string     `json:"name"`
	Color        string     `json:"color"`
	FocusedField string     `json:"focused_field,omitempty"`
}

// HandleList handles GET /docs: list open documents, optionally filtered by ?q=.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	data := ListPageData{
		PageData: h.renderer.page("Documents"),
		Query:    query,
		Docs:     h.summaries(query),
	}
	data.Refresh = parseIntParam(r, "refresh", 0)
	h.renderer.renderPage(w, "list", data)
}

// HandleListJSON handles GET /api/docs.
func (h *Handlers) HandleListJSON(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{
		"docs": h.summaries(strings.TrimSpace(r.URL.Query().Get("q"))),
	})
}

// HandleDetail handles GET /docs/{id}: fields, lock holders and users of one document.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	doc, err := h.lookup(r)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, doc)
		return
	}

	data := DetailPageData{
		PageData: h.renderer.page(doc.Document),
		Doc:      doc,
	}
	data.Refresh = parseIntParam(r, "refresh", 0)
	h.renderer.renderPage(w, "detail", data)
}

// HandleDetailJSON handles GET /api/docs/{id}.
func (h *Handlers) HandleDetailJSON(w http.ResponseWriter, r *http.Request) {
	doc, err := h.lookup(r)
	if err != nil {
		r.Header.Set("Accept", "application/json")
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, doc)
}

func (h *Handlers) lookup(r *http.Request) (DocView, error) {
	id := r.PathValue("id")
	if id == "" {
		return DocView{}, errors.NewInvalidRequest("document is required")
	}
	st, ok := h.src.Room(id)
	if !ok {
		return DocView{}, errors.NewUnknownDocument(id)
	}
	return h.view(st), nil
}

func (h *Handlers) summaries(query string) []DocSummary {
	rooms := h.src.Rooms()
	out := make([]DocSummary, 0, len(rooms))
	for _, st := range rooms {
		if query != "" && !strings.Contains(strings.ToLower(st.Document), strings.ToLower(query)) {
			continue
		}
		s := DocSummary{Document: st.Document, Peers: st.Peers, Users: []string{}}
		for _, p := range st.Users {
			if p.State.User.Name != "" {
				s.Users = append(s.Users, p.State.User.Name)
			}
			if p.State.FocusedField != "" {
				s.Editing++
			}
		}
		out = append(out, s)
	}
	return out
}

// view merges the room's text and presence. The relay holds no focus of its
// own, so lock.Resolve with no local replica names the holder every client sees.
func (h *Handlers) view(st transport.RoomStatus) DocView {
	states := make(map[replica.ID]awareness.State, len(st.Users))
	doc := DocView{
		Document: st.Document,
		Peers:    st.Peers,
		Pending:  st.Pending,
		Users:    make([]UserView, 0, len(st.Users)),
	}
	for _, p := range st.Users {
		states[p.ID] = p.State
		doc.Users = append(doc.Users, UserView{
			ID:           p.ID,
			Name:         p.State.User.Name,
			Color:        p.State.User.Color,
			FocusedField: p.State.FocusedField,
		})
	}
	sort.Slice(doc.Users, func(i, j int) bool { return doc.Users[i].ID < doc.Users[j].ID })

	texts := make(map[string]string, len(st.Fields))
	for _, f := range st.Fields {
		texts[f.Name] = f.Text
	}
	for _, name := range h.fieldNames(st) {
		text := texts[name]
		fv := FieldView{
			Name:  name,
			Text:  text,
			Chars: utf8.RuneCountInString(text),
			Lock:  lock.Resolve(replica.None, name, states),
		}
		if strings.HasSuffix(name, "_description") {
			fv.Markdown = true
			fv.HTML = renderMarkdown(text)
		}
		doc.Fields = append(doc.Fields, fv)
	}
	return doc
}

// fieldNames lists configured fields first, then any other field that has
// text or a claimant, sorted.
func (h *Handlers) fieldNames(st transport.RoomStatus) []string {
	seen := make(map[string]bool)
	var names []string
	if h.cfg != nil {
		for _, f := range h.cfg.Fields {
			if !seen[f] {
				seen[f] = true
				names = append(names, f)
			}
		}
	}
	var extra []string
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			extra = append(extra, f)
		}
	}
	for _, f := range st.Fields {
		add(f.Name)
	}
	for _, p := range st.Users {
		add(p.State.FocusedField)
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// parseIntParam parses a non-negative integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
