// Package iiif reads IIIF Presentation 2 and 3 collections and manifests
// into the small subset of fields the importer needs.
package iiif

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	TypeCollection = "Collection"
	TypeManifest   = "Manifest"
	TypeCanvas     = "Canvas"

	thumbnailSize = "!650,650"
)

var (
	ErrMalformed       = errors.New("malformed iiif resource")
	ErrUnsupportedType = errors.New("unsupported iiif resource type")
)

// LanguageMap maps a language tag ("@none" when untagged) to values.
type LanguageMap map[string][]string

type Value struct {
	Value    string
	Language string
}

// Values flattens the map in a stable order: untagged first, then by tag.
func (m LanguageMap) Values() []Value {
	langs := make([]string, 0, len(m))
	for lang := range m {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool {
		if langs[i] == "@none" || langs[j] == "@none" {
			return langs[i] == "@none" && langs[j] != "@none"
		}
		return langs[i] < langs[j]
	})

	var out []Value
	for _, lang := range langs {
		for _, v := range m[lang] {
			out = append(out, Value{Value: v, Language: lang})
		}
	}
	return out
}

// String picks one display value, preferring English, then untagged.
func (m LanguageMap) String() string {
	for _, lang := range []string{"en", "@none", "none"} {
		if vs := m[lang]; len(vs) > 0 {
			return vs[0]
		}
	}
	if vs := m.Values(); len(vs) > 0 {
		return vs[0].Value
	}
	return ""
}

// Label is the display label of a resource, falling back to "Untitled".
func Label(m LanguageMap) string {
	if s := m.String(); s != "" {
		return s
	}
	return "Untitled"
}

type Ref struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type Collection struct {
	ID      string
	Label   LanguageMap
	Summary LanguageMap
	Items   []Ref
}

type Manifest struct {
	ID       string
	Label    LanguageMap
	Summary  LanguageMap
	Canvases []Canvas
}

// CanvasIndex returns the position of the canvas in the manifest, or -1.
func (m *Manifest) CanvasIndex(id string) int {
	for i, c := range m.Canvases {
		if c.ID == id {
			return i
		}
	}
	return -1
}

type Canvas struct {
	ID        string
	Label     LanguageMap
	Summary   LanguageMap
	Thumbnail string
	// Raw is the canvas exactly as it appeared in the manifest.
	Raw json.RawMessage
}

// resource holds the union of v2 and v3 fields we look at.
type resource struct {
	ID          string            `json:"id"`
	AtID        string            `json:"@id"`
	Type        string            `json:"type"`
	AtType      string            `json:"@type"`
	Label       json.RawMessage   `json:"label"`
	Summary     json.RawMessage   `json:"summary"`
	Description json.RawMessage   `json:"description"`
	Thumbnail   json.RawMessage   `json:"thumbnail"`
	Items       []json.RawMessage `json:"items"`
	Sequences   []struct {
		Canvases []json.RawMessage `json:"canvases"`
	} `json:"sequences"`
	Manifests   []json.RawMessage `json:"manifests"`
	Collections []json.RawMessage `json:"collections"`
	Members     []json.RawMessage `json:"members"`
	Images      []json.RawMessage `json:"images"`
	Body        json.RawMessage   `json:"body"`
	Resource    json.RawMessage   `json:"resource"`
	Service     json.RawMessage   `json:"service"`
}

func (r *resource) id() string {
	if r.ID != "" {
		return r.ID
	}
	return r.AtID
}

func (r *resource) kind() string {
	t := r.Type
	if t == "" {
		t = r.AtType
	}
	if i := strings.LastIndex(t, ":"); i >= 0 {
		t = t[i+1:]
	}
	return t
}

func (r *resource) summary() LanguageMap {
	if len(r.Summary) > 0 {
		return parseLanguageMap(r.Summary)
	}
	return parseLanguageMap(r.Description)
}

func decode(data []byte) (*resource, error) {
	var r resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &r, nil
}

func ParseManifest(data []byte) (*Manifest, error) {
	r, err := decode(data)
	if err != nil {
		return nil, err
	}
	if k := r.kind(); k != TypeManifest {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnsupportedType, TypeManifest, k)
	}
	if r.id() == "" {
		return nil, fmt.Errorf("%w: manifest has no id", ErrMalformed)
	}

	m := &Manifest{
		ID:      r.id(),
		Label:   parseLanguageMap(r.Label),
		Summary: r.summary(),
	}

	raws := r.Items
	if len(raws) == 0 && len(r.Sequences) > 0 {
		raws = r.Sequences[0].Canvases
	}
	seen := make(map[string]bool)
	for _, raw := range raws {
		c, err := parseCanvas(raw)
		if err != nil {
			return nil, err
		}
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		m.Canvases = append(m.Canvases, *c)
	}
	return m, nil
}

func parseCanvas(raw json.RawMessage) (*Canvas, error) {
	r, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if r.kind() != TypeCanvas {
		return nil, nil
	}
	if r.id() == "" {
		return nil, fmt.Errorf("%w: canvas has no id", ErrMalformed)
	}

	return &Canvas{
		ID:        r.id(),
		Label:     parseLanguageMap(r.Label),
		Summary:   r.summary(),
		Thumbnail: thumbnail(r),
		Raw:       raw,
	}, nil
}

func ParseCollection(data []byte) (*Collection, error) {
	r, err := decode(data)
	if err != nil {
		return nil, err
	}
	if k := r.kind(); k != TypeCollection {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnsupportedType, TypeCollection, k)
	}
	if r.id() == "" {
		return nil, fmt.Errorf("%w: collection has no id", ErrMalformed)
	}

	c := &Collection{
		ID:      r.id(),
		Label:   parseLanguageMap(r.Label),
		Summary: r.summary(),
	}

	var raws []json.RawMessage
	raws = append(raws, r.Items...)
	raws = append(raws, r.Members...)
	raws = append(raws, r.Collections...)
	raws = append(raws, r.Manifests...)

	seen := make(map[string]bool)
	for _, raw := range raws {
		item, err := decode(raw)
		if err != nil {
			return nil, err
		}
		k := item.kind()
		if (k != TypeManifest && k != TypeCollection) || item.id() == "" || seen[item.id()] {
			continue
		}
		seen[item.id()] = true
		c.Items = append(c.Items, Ref{ID: item.id(), Type: k})
	}
	return c, nil
}

// parseLanguageMap accepts a v3 language map, a v2 string, a v2
// {"@value","@language"} object, or an array of either.
func parseLanguageMap(raw json.RawMessage) LanguageMap {
	if len(raw) == 0 || string(raw) == "null" {
		return LanguageMap{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return LanguageMap{"@none": {s}}
	}

	var v3 map[string][]string
	if err := json.Unmarshal(raw, &v3); err == nil {
		return LanguageMap(v3)
	}

	out := LanguageMap{}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		list = []json.RawMessage{raw}
	}
	for _, item := range list {
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			out["@none"] = append(out["@none"], str)
			continue
		}
		var tagged struct {
			Value    string `json:"@value"`
			Language string `json:"@language"`
		}
		if err := json.Unmarshal(item, &tagged); err == nil && tagged.Value != "" {
			lang := tagged.Language
			if lang == "" {
				lang = "@none"
			}
			out[lang] = append(out[lang], tagged.Value)
		}
	}
	return out
}

// thumbnail picks a thumbnail URL for a canvas: its declared thumbnail,
// otherwise a sized request against the first image's service, otherwise
// the first image itself. Empty when nothing fits.
func thumbnail(r *resource) string {
	if id := firstID(r.Thumbnail); id != "" {
		return id
	}

	var body json.RawMessage
	switch {
	case len(r.Items) > 0:
		// v3: AnnotationPage -> Annotation -> body
		page, err := decode(r.Items[0])
		if err != nil || len(page.Items) == 0 {
			return ""
		}
		anno, err := decode(page.Items[0])
		if err != nil {
			return ""
		}
		body = anno.Body
	case len(r.Images) > 0:
		anno, err := decode(r.Images[0])
		if err != nil {
			return ""
		}
		body = anno.Resource
	default:
		return ""
	}

	img, err := decode(body)
	if err != nil {
		return ""
	}
	if svc := firstID(img.Service); svc != "" {
		return strings.TrimSuffix(svc, "/") + "/full/" + thumbnailSize + "/0/default.jpg"
	}
	return img.id()
}

func firstID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return ""
		}
		return firstID(list[0])
	}

	r, err := decode(raw)
	if err != nil {
		return ""
	}
	return r.id()
}
