// Package templates renders {{key}} placeholders and keeps the named
// templates known to the gateway.
package templates

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("template not found")

type Template struct {
	Name string `json:"name"`
	Body string `json:"template"`
}

// Render replaces every literal "{{key}}" in body with the stringified value
// for each key in params. Placeholders without a matching key stay verbatim.
//
// Keys are applied in sorted order so the output does not depend on map
// iteration when a value itself contains a placeholder.
func Render(body string, params map[string]any) string {
	if len(params) == 0 || !strings.Contains(body, "{{") {
		return body
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := body
	for _, k := range keys {
		out = strings.ReplaceAll(out, "{{"+k+"}}", stringify(params[k]))
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		// JSON numbers decode as float64; keep integers free of a trailing ".0".
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}

// Store is a process-wide name -> body mapping. Put overwrites silently.
type Store struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewStore() *Store {
	return &Store{items: map[string]string{}}
}

func (s *Store) Put(name, body string) {
	s.mu.Lock()
	s.items[name] = body
	s.mu.Unlock()
}

// PutAll replaces or adds every entry in m.
func (s *Store) PutAll(m map[string]string) {
	s.mu.Lock()
	for k, v := range m {
		s.items[k] = v
	}
	s.mu.Unlock()
}

func (s *Store) Get(name string) (Template, bool) {
	s.mu.RLock()
	body, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return Template{}, false
	}
	return Template{Name: name, Body: body}, true
}

// List returns all templates sorted by name.
func (s *Store) List() []Template {
	s.mu.RLock()
	out := make([]Template, 0, len(s.items))
	for k, v := range s.items {
		out = append(out, Template{Name: k, Body: v})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RenderNamed looks up name and renders it with params.
func (s *Store) RenderNamed(name string, params map[string]any) (string, error) {
	t, ok := s.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Render(t.Body, params), nil
}
