package storage

import "github.com/VictoriaMetrics/fastcache"

// cached is a read-through cache in front of another engine. Reads
// are served from the cache when possible; every mutation updates the
// cache so it never returns stale values for keys written through it.
type cached struct {
	Engine
	c *fastcache.Cache
}

// NewCached wraps inner with a fastcache layer bounded to maxBytes.
func NewCached(inner Engine, maxBytes int) Engine {
	return &cached{
		Engine: inner,
		c:      fastcache.New(maxBytes),
	}
}

func (e *cached) Get(key []byte) ([]byte, bool) {
	if v, ok := e.c.HasGet(nil, key); ok {
		return v, true
	}
	v, ok := e.Engine.Get(key)
	if ok {
		e.c.Set(key, v)
	}
	return v, ok
}

func (e *cached) Insert(key, value []byte) {
	e.Engine.Insert(key, value)
	e.c.Set(key, value)
}

func (e *cached) Remove(key []byte) {
	e.Engine.Remove(key)
	e.c.Del(key)
}

func (e *cached) Clear() {
	e.Engine.Clear()
	e.c.Reset()
}
