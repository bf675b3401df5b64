package replica

import (
	"context"
	"fmt"
	"sync"

	"locomote/internal/model"
)

// RecordHook transforms a record of the update feed before it is
// written to the store. Hooks may rewrite any field in place.
type RecordHook func(ctx context.Context, rec *model.FileRecord) error

// HookSet is the registry of named record hooks. Origins reference
// hooks by name and apply them in their configured order.
type HookSet struct {
	mu    sync.RWMutex
	named map[string]RecordHook
}

// NewHookSet creates an empty hook registry.
func NewHookSet() *HookSet {
	return &HookSet{named: make(map[string]RecordHook)}
}

// Register adds a named hook, replacing any previous hook of that name.
func (h *HookSet) Register(name string, hook RecordHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.named[name] = hook
}

// Resolve maps hook names to hooks, preserving order. A name with no
// registered hook is an error; origins must not silently lose
// transforms they were configured with.
func (h *HookSet) Resolve(names []string) ([]RecordHook, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hooks := make([]RecordHook, 0, len(names))
	for _, name := range names {
		hook, ok := h.named[name]
		if !ok {
			return nil, fmt.Errorf("unknown record hook %q", name)
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}
