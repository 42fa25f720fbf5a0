package callsite

import (
	"fmt"

	"github.com/PatchLens/go-byref/bytecode"
	"github.com/dgraph-io/ristretto/v2"
)

// FlowCache shares predecessor maps between analyses of the same instruction stream.
// Cached maps are never mutated, so they are safe to hand to concurrent callers.
// A nil *FlowCache builds a fresh map on every lookup.
type FlowCache struct {
	cache *ristretto.Cache[string, bytecode.ControlFlowGraph]
}

// NewFlowCache creates a cache bounded to roughly maxMB megabytes.
func NewFlowCache(maxMB int) (*FlowCache, error) {
	maxCost := int64(max(maxMB, 1)) << 20
	cache, err := ristretto.NewCache(&ristretto.Config[string, bytecode.ControlFlowGraph]{
		NumCounters: max(maxCost>>10, 1000), // ~10x the expected entry count at 1KB per entry
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("flow cache init failed: %w", err)
	}
	return &FlowCache{cache: cache}, nil
}

// Get returns the predecessor map for code, building and caching it when absent.
func (c *FlowCache) Get(code *bytecode.Code) (bytecode.ControlFlowGraph, error) {
	if c == nil {
		return bytecode.BuildControlFlow(code.Bytecode)
	}
	key := string(code.Bytecode)
	if cfg, ok := c.cache.Get(key); ok {
		return cfg, nil
	}
	cfg, err := bytecode.BuildControlFlow(code.Bytecode)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, cfg, flowCost(cfg))
	return cfg, nil
}

// Wait blocks until buffered writes are visible to Get.
func (c *FlowCache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

// Close releases the cache.
func (c *FlowCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}

func flowCost(cfg bytecode.ControlFlowGraph) int64 {
	cost := int64(64)
	for _, preds := range cfg {
		cost += 48 + int64(len(preds))*8
	}
	return cost
}
