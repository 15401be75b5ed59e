// Package resource keeps the local records created for imported IIIF
// resources: one record per collection, manifest or canvas, its metadata
// rows, an index from source identifier to record, and ordered child links.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "iiifimport:resources:"
	seqKey       = keyPrefix + "seq"
	sourceKey    = keyPrefix + "source"
	recordPrefix = keyPrefix + "item:"

	maxTxRetries = 10
)

const (
	KindCollection = "collection"
	KindManifest   = "manifest"
	KindCanvas     = "canvas"
)

var ErrNotFound = errors.New("resource not found")

type Resource struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	// TaskID is the import task that created the record.
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MetadataField is one metadata row of a resource, such as its label or
// summary in one language.
type MetadataField struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Language string `json:"language"`
}

type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func recordKey(id int64) string   { return recordPrefix + strconv.FormatInt(id, 10) }
func metadataKey(id int64) string { return recordKey(id) + ":metadata" }
func childrenKey(id int64) string { return recordKey(id) + ":children" }

// Create stores a new record together with its metadata rows and source
// index entry in a single transaction, and returns the new id.
func (s *Store) Create(ctx context.Context, r Resource, fields []MetadataField) (int64, error) {
	if r.Kind == "" || r.Source == "" {
		return 0, fmt.Errorf("create resource: kind and source are required")
	}

	id, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate resource id: %w", err)
	}

	r.ID = id
	r.CreatedAt = time.Now()
	raw, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshal resource: %w", err)
	}

	rows, err := marshalFields(fields)
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(id), raw, 0)
	if len(rows) > 0 {
		pipe.RPush(ctx, metadataKey(id), rows...)
	}
	pipe.HSet(ctx, sourceKey, sourceField(r.Kind, r.Source), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("create resource: %w", err)
	}
	return id, nil
}

// FindBySource looks up the record previously created for a source
// identifier of the given kind.
func (s *Store) FindBySource(ctx context.Context, kind, source string) (*Resource, bool, error) {
	id, err := s.client.HGet(ctx, sourceKey, sourceField(kind, source)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find resource by source: %w", err)
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// AttachMetadata sets metadata rows on a record. Rows whose key appears in
// fields are replaced, other rows are kept.
func (s *Store) AttachMetadata(ctx context.Context, id int64, fields []MetadataField) error {
	if len(fields) == 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	rows, err := marshalFields(fields)
	if err != nil {
		return err
	}
	replaced := make(map[string]bool, len(fields))
	for _, f := range fields {
		replaced[f.Key] = true
	}

	key := metadataKey(id)
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return err
			}

			kept := make([]interface{}, 0, len(current)+len(rows))
			for _, v := range current {
				var f MetadataField
				if err := json.Unmarshal([]byte(v), &f); err == nil && replaced[f.Key] {
					continue
				}
				kept = append(kept, v)
			}
			kept = append(kept, rows...)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.RPush(ctx, key, kept...)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("attach metadata: %w", err)
		}
		return nil
	}
	return fmt.Errorf("attach metadata to %d: too much contention", id)
}

// LinkChildren replaces the ordered child list of parent in one
// transaction, so readers never see a partial list.
func (s *Store) LinkChildren(ctx context.Context, parent int64, children []int64) error {
	if _, err := s.Get(ctx, parent); err != nil {
		return err
	}

	ids := make([]interface{}, len(children))
	for i, c := range children {
		ids[i] = c
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, childrenKey(parent))
	if len(ids) > 0 {
		pipe.RPush(ctx, childrenKey(parent), ids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("link children of %d: %w", parent, err)
	}
	return nil
}

func (s *Store) Children(ctx context.Context, parent int64) ([]int64, error) {
	vals, err := s.client.LRange(ctx, childrenKey(parent), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parent, err)
	}

	ids := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse child id %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Resource, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}

	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal resource: %w", err)
	}
	return &r, nil
}

func (s *Store) Metadata(ctx context.Context, id int64) ([]MetadataField, error) {
	vals, err := s.client.LRange(ctx, metadataKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list metadata of %d: %w", id, err)
	}

	fields := make([]MetadataField, 0, len(vals))
	for _, v := range vals {
		var f MetadataField
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func sourceField(kind, source string) string {
	return kind + "|" + source
}

func marshalFields(fields []MetadataField) ([]interface{}, error) {
	rows := make([]interface{}, 0, len(fields))
	for _, f := range fields {
		if f.Language == "" {
			f.Language = "@none"
		}
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		rows = append(rows, raw)
	}
	return rows, nil
}
