package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestCreateAndGet(t *testing.T) {
	s, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, Resource{Kind: KindCanvas, Source: "https://example.org/c1", Thumbnail: "https://example.org/t.jpg"},
		[]MetadataField{{Key: "label", Value: "p. 1"}, {Key: "summary", Value: "front", Language: "en"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, KindCanvas, r.Kind)
	assert.Equal(t, "https://example.org/c1", r.Source)
	assert.Equal(t, "https://example.org/t.jpg", r.Thumbnail)

	fields, err := s.Metadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []MetadataField{
		{Key: "label", Value: "p. 1", Language: "@none"},
		{Key: "summary", Value: "front", Language: "en"},
	}, fields)

	next, err := s.Create(ctx, Resource{Kind: KindCanvas, Source: "https://example.org/c2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestCreate_RequiresKindAndSource(t *testing.T) {
	s, mr := setupTest(t)
	defer mr.Close()

	_, err := s.Create(context.Background(), Resource{Kind: KindManifest}, nil)
	assert.Error(t, err)
}

func TestFindBySource(t *testing.T) {
	s, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	_, found, err := s.FindBySource(ctx, KindManifest, "https://example.org/m")
	require.NoError(t, err)
	assert.False(t, found)

	id, err := s.Create(ctx, Resource{Kind: KindManifest, Source: "https://example.org/m", TaskID: "task-1"}, nil)
	require.NoError(t, err)

	got, found, err := s.FindBySource(ctx, KindManifest, "https://example.org/m")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "task-1", got.TaskID)

	_, found, err = s.FindBySource(ctx, KindCollection, "https://example.org/m")
	require.NoError(t, err)
	assert.False(t, found, "lookups are scoped by kind")
}

func TestAttachMetadata(t *testing.T) {
	s, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, Resource{Kind: KindManifest, Source: "m"}, []MetadataField{{Key: "label", Value: "A"}})
	require.NoError(t, err)

	require.NoError(t, s.AttachMetadata(ctx, id, []MetadataField{{Key: "summary", Value: "B"}}))

	fields, err := s.Metadata(ctx, id)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "summary", fields[1].Key)

	// Attaching a key again replaces its rows.
	require.NoError(t, s.AttachMetadata(ctx, id, []MetadataField{
		{Key: "label", Value: "A2", Language: "en"},
		{Key: "label", Value: "A3", Language: "fr"},
	}))
	fields, err = s.Metadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []MetadataField{
		{Key: "summary", Value: "B", Language: "@none"},
		{Key: "label", Value: "A2", Language: "en"},
		{Key: "label", Value: "A3", Language: "fr"},
	}, fields)

	err = s.AttachMetadata(ctx, 99, []MetadataField{{Key: "label", Value: "x"}})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLinkChildren_ReplacesList(t *testing.T) {
	s, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, Resource{Kind: KindManifest, Source: "m"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.LinkChildren(ctx, parent, []int64{4, 2, 3}))
	children, err := s.Children(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2, 3}, children)

	require.NoError(t, s.LinkChildren(ctx, parent, []int64{7}))
	children, err = s.Children(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, children)

	err = s.LinkChildren(ctx, 42, []int64{1})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGet_NotFound(t *testing.T) {
	s, mr := setupTest(t)
	defer mr.Close()

	_, err := s.Get(context.Background(), 5)
	assert.True(t, errors.Is(err, ErrNotFound))
}
