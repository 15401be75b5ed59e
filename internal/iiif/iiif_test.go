package iiif

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestV3 = `{
  "@context": "http://iiif.io/api/presentation/3/context.json",
  "id": "https://example.org/iiif/book1/manifest",
  "type": "Manifest",
  "label": {"en": ["Book 1"]},
  "summary": {"en": ["A book"], "fr": ["Un livre"]},
  "items": [
    {
      "id": "https://example.org/iiif/book1/canvas/p1",
      "type": "Canvas",
      "label": {"none": ["p. 1"]},
      "items": [{
        "id": "https://example.org/iiif/book1/page/p1/1",
        "type": "AnnotationPage",
        "items": [{
          "id": "https://example.org/iiif/book1/annotation/p0001-image",
          "type": "Annotation",
          "body": {
            "id": "https://example.org/iiif/book1/page1/full/max/0/default.jpg",
            "type": "Image",
            "service": [{"id": "https://example.org/iiif/book1/page1", "type": "ImageService3"}]
          }
        }]
      }]
    },
    {
      "id": "https://example.org/iiif/book1/canvas/p2",
      "type": "Canvas",
      "thumbnail": [{"id": "https://example.org/thumbs/p2.jpg", "type": "Image"}]
    }
  ]
}`

const manifestV2 = `{
  "@context": "http://iiif.io/api/presentation/2/context.json",
  "@id": "https://example.org/iiif/v2/manifest",
  "@type": "sc:Manifest",
  "label": "Old book",
  "description": [{"@value": "Een boek", "@language": "nl"}],
  "sequences": [{
    "@type": "sc:Sequence",
    "canvases": [
      {
        "@id": "https://example.org/iiif/v2/canvas/c0",
        "@type": "sc:Canvas",
        "label": "folio 1r",
        "images": [{
          "@type": "oa:Annotation",
          "resource": {
            "@id": "https://example.org/img/c0.jpg",
            "service": {"@id": "https://example.org/iiif/img/c0/"}
          }
        }]
      },
      {"@id": "https://example.org/iiif/v2/canvas/c1", "@type": "sc:Canvas", "label": "folio 1v"}
    ]
  }]
}`

const collectionV3 = `{
  "id": "https://example.org/iiif/collection/top",
  "type": "Collection",
  "label": {"en": ["Top"]},
  "items": [
    {"id": "https://example.org/iiif/m1", "type": "Manifest"},
    {"id": "https://example.org/iiif/sub", "type": "Collection"},
    {"id": "https://example.org/iiif/m1", "type": "Manifest"},
    {"id": "https://example.org/other", "type": "Canvas"}
  ]
}`

const collectionV2 = `{
  "@id": "https://example.org/iiif/v2/collection",
  "@type": "sc:Collection",
  "label": "Legacy",
  "collections": [{"@id": "https://example.org/iiif/v2/sub", "@type": "sc:Collection"}],
  "manifests": [{"@id": "https://example.org/iiif/v2/m1", "@type": "sc:Manifest"}]
}`

func TestParseManifest_V3(t *testing.T) {
	m, err := ParseManifest([]byte(manifestV3))
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/iiif/book1/manifest", m.ID)
	assert.Equal(t, "Book 1", Label(m.Label))
	assert.Equal(t, []Value{{"A book", "en"}, {"Un livre", "fr"}}, m.Summary.Values())

	require.Len(t, m.Canvases, 2)
	assert.Equal(t, "https://example.org/iiif/book1/canvas/p1", m.Canvases[0].ID)
	assert.Equal(t, "p. 1", Label(m.Canvases[0].Label))
	assert.Equal(t, "https://example.org/iiif/book1/page1/full/!650,650/0/default.jpg", m.Canvases[0].Thumbnail)
	assert.Equal(t, "https://example.org/thumbs/p2.jpg", m.Canvases[1].Thumbnail)
	assert.Contains(t, string(m.Canvases[1].Raw), `"thumbnail"`)

	assert.Equal(t, 1, m.CanvasIndex("https://example.org/iiif/book1/canvas/p2"))
	assert.Equal(t, -1, m.CanvasIndex("https://example.org/nope"))
}

func TestParseManifest_V2(t *testing.T) {
	m, err := ParseManifest([]byte(manifestV2))
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/iiif/v2/manifest", m.ID)
	assert.Equal(t, "Old book", Label(m.Label))
	assert.Equal(t, []Value{{"Een boek", "nl"}}, m.Summary.Values())

	require.Len(t, m.Canvases, 2)
	assert.Equal(t, "folio 1r", Label(m.Canvases[0].Label))
	assert.Equal(t, "https://example.org/iiif/img/c0/full/!650,650/0/default.jpg", m.Canvases[0].Thumbnail)
	assert.Empty(t, m.Canvases[1].Thumbnail)
}

func TestParseManifest_Errors(t *testing.T) {
	_, err := ParseManifest([]byte(`{"id": "x", "type": "Manifest"`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ParseManifest([]byte(`{"type": "Manifest"}`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ParseManifest([]byte(collectionV3))
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestParseManifest_RepeatedCanvas(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"id": "https://example.org/iiif/m",
		"type": "Manifest",
		"items": [
			{"id": "https://example.org/iiif/m/c1", "type": "Canvas", "label": {"en": ["one"]}},
			{"id": "https://example.org/iiif/m/c2", "type": "Canvas"},
			{"id": "https://example.org/iiif/m/c1", "type": "Canvas", "label": {"en": ["again"]}}
		]
	}`))
	require.NoError(t, err)

	require.Len(t, m.Canvases, 2)
	assert.Equal(t, "one", m.Canvases[0].Label.String())
	assert.Equal(t, 1, m.CanvasIndex("https://example.org/iiif/m/c2"))
}

func TestParseCollection(t *testing.T) {
	c, err := ParseCollection([]byte(collectionV3))
	require.NoError(t, err)

	assert.Equal(t, "Top", Label(c.Label))
	assert.Equal(t, []Ref{
		{ID: "https://example.org/iiif/m1", Type: TypeManifest},
		{ID: "https://example.org/iiif/sub", Type: TypeCollection},
	}, c.Items)

	legacy, err := ParseCollection([]byte(collectionV2))
	require.NoError(t, err)
	assert.Equal(t, []Ref{
		{ID: "https://example.org/iiif/v2/sub", Type: TypeCollection},
		{ID: "https://example.org/iiif/v2/m1", Type: TypeManifest},
	}, legacy.Items)

	_, err = ParseCollection([]byte(manifestV3))
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestLabel_Fallbacks(t *testing.T) {
	assert.Equal(t, "Untitled", Label(nil))
	assert.Equal(t, "Titel", Label(LanguageMap{"de": {"Titel"}}))
	assert.Equal(t, "Title", Label(LanguageMap{"de": {"Titel"}, "en": {"Title"}}))
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest.json":
			w.Write([]byte(manifestV3))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(5 * time.Second)
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/manifest.json")
	require.NoError(t, err)
	assert.JSONEq(t, manifestV3, string(data))

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, se.Temporary())

	_, err = f.Fetch(ctx, srv.URL+"/busy")
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Temporary())
}

func TestCache(t *testing.T) {
	c := NewCache(2, time.Minute)

	m1 := &Manifest{ID: "m1"}
	c.Add("a", m1)
	c.Add("b", &Manifest{ID: "m2"})
	c.Add("c", &Manifest{ID: "m3"})

	_, ok := c.Get("a")
	assert.False(t, ok, "evicted by capacity")

	got, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, "m3", got.ID)
	assert.Equal(t, 2, c.Len())
}

func TestCache_Expires(t *testing.T) {
	c := NewCache(4, 20*time.Millisecond)
	c.Add("a", &Manifest{ID: "m1"})

	time.Sleep(60 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
}
