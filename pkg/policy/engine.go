package policy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
)

// EngineOptions control embedded OPA engine construction.
type EngineOptions struct {
	// CacheMaxEntries bounds the prepared query cache (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Engine evaluates Rego modules in-process with the OPA SDK. Prepared
// queries are cached per module digest so repeated validations against the
// same policy skip compilation.
type Engine struct {
	cache *queryCache
	mu    sync.Mutex
}

const defaultCacheCapacity = 64

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) *Engine {
	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *queryCache
	if maxEntries > 0 {
		cache = newQueryCache(maxEntries)
	}
	return &Engine{cache: cache}
}

// Eval runs the module's query against input and returns the raw result set.
func (e *Engine) Eval(ctx context.Context, module Module, input any) (rego.ResultSet, error) {
	if module.parsed == nil {
		return nil, errors.New("policy engine requires a parsed module")
	}

	prepared, err := e.prepare(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("opa eval: %w", err)
	}
	return results, nil
}

// FlushCache clears all prepared queries. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) prepare(ctx context.Context, module Module) (*rego.PreparedEvalQuery, error) {
	key := module.Digest + "\x00" + module.Query

	if e.cache != nil {
		if prepared, ok := e.cache.Get(key); ok {
			return prepared, nil
		}
	}

	r := rego.New(
		rego.Query(module.Query),
		rego.ParsedModule(module.parsed),
		rego.SetRegoVersion(module.Version),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		// Another goroutine may have already prepared the query; respect first entry.
		if existing, ok := e.cache.Get(key); ok {
			return existing, nil
		}
		e.cache.Add(key, &prepared)
	}
	return &prepared, nil
}

type queryCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value *rego.PreparedEvalQuery
}

func newQueryCache(capacity int) *queryCache {
	return &queryCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *queryCache) Get(key string) (*rego.PreparedEvalQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	return item.value, true
}

func (c *queryCache) Add(key string, value *rego.PreparedEvalQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

func (c *queryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *queryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
