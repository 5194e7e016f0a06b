package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// fileEngine keeps the full pair set in memory and persists it as a
// single msgpack blob. Flush writes to a temp file and renames it over
// the previous one, so a crash mid-flush leaves the old contents
// intact rather than a torn write.
type fileEngine struct {
	mu   sync.RWMutex
	path string // empty for a purely in-memory engine
	data map[string][]byte
}

// OpenFile opens (or creates) a file-backed engine at path.
func OpenFile(path string) (Engine, error) {
	e := &fileEngine{
		path: path,
		data: make(map[string][]byte),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open engine %s: %w", path, err)
	}
	if len(raw) == 0 {
		return e, nil
	}
	if err := msgpack.Unmarshal(raw, &e.data); err != nil {
		return nil, fmt.Errorf("decode engine %s: %w", path, err)
	}
	return e, nil
}

// NewMem returns an in-memory engine. Flush is a no-op; intended for
// tests and throwaway nodes.
func NewMem() Engine {
	return &fileEngine{data: make(map[string][]byte)}
}

func (e *fileEngine) Get(key []byte) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[string(key)]
	return v, ok
}

func (e *fileEngine) Insert(key, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[string(key)] = append([]byte(nil), value...)
}

func (e *fileEngine) Remove(key []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.data, string(key))
}

func (e *fileEngine) Ascend(fn func(key, value []byte) bool) {
	e.AscendRange(nil, nil, fn)
}

func (e *fileEngine) AscendRange(lo, hi []byte, fn func(key, value []byte) bool) {
	e.mu.RLock()
	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		if lo != nil && bytes.Compare([]byte(k), lo) < 0 {
			continue
		}
		if hi != nil && bytes.Compare([]byte(k), hi) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// Copy values out so fn never observes a map mid-mutation.
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = e.data[k]
	}
	e.mu.RUnlock()

	for i, k := range keys {
		if !fn([]byte(k), values[i]) {
			return
		}
	}
}

func (e *fileEngine) Flush() error {
	if e.path == "" {
		return nil
	}
	e.mu.RLock()
	raw, err := msgpack.Marshal(e.data)
	e.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode engine %s: %w", e.path, err)
	}

	tmp := e.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(e.path))
}

func (e *fileEngine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = make(map[string][]byte)
}

func (e *fileEngine) Close() error {
	return e.Flush()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
