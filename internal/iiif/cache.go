package iiif

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache holds parsed manifests for a short time so the canvases of one
// manifest do not each parse it again. Cached manifests are shared and must
// not be modified.
type Cache struct {
	lru *expirable.LRU[string, *Manifest]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size < 1 {
		size = 1
	}
	return &Cache{lru: expirable.NewLRU[string, *Manifest](size, nil, ttl)}
}

func (c *Cache) Get(key string) (*Manifest, bool) {
	return c.lru.Get(key)
}

func (c *Cache) Add(key string, m *Manifest) {
	c.lru.Add(key, m)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
