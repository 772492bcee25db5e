// Package statecache keeps previous BEV states across frames on behalf of
// the caller. The transformer itself never persists history; sequence
// drivers key states here by scene and feed them back as PrevBEV.
package statecache

import (
	"sync"
)

// State is one cached BEV grid with the metadata needed to validate it
// against the next frame.
type State struct {
	BEVH  int
	BEVW  int
	Batch int
	Dims  int
	Data  []float32
}

// Cache defines a generic interface for caching BEV states.
type Cache interface {
	// Get retrieves the state for a scene.
	Get(sceneID string) (State, bool)
	// Put stores the state for a scene, replacing any previous one.
	Put(sceneID string, st State)
	// Drop removes a scene's state (e.g. at sequence end).
	Drop(sceneID string)
	// Size returns the number of cached scenes.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache.
type MapCache struct {
	data map[string]State
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]State),
	}
}

func (c *MapCache) Get(sceneID string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return a copy to avoid modification of the cached grid.
	if st, ok := c.data[sceneID]; ok {
		dst := make([]float32, len(st.Data))
		copy(dst, st.Data)
		st.Data = dst
		return st, true
	}
	return State{}, false
}

func (c *MapCache) Put(sceneID string, st State) {
	cp := make([]float32, len(st.Data))
	copy(cp, st.Data)
	st.Data = cp

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[sceneID] = st
}

func (c *MapCache) Drop(sceneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, sceneID)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
