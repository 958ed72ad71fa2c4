package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps pack names to sequences of tool definitions. Packs are
// registered once at startup and resolved into flat deduplicated tool lists
// at agent construction. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	packs map[string][]Tool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{packs: make(map[string][]Tool)}
}

// RegisterPack stores the tools under the pack name, replacing any previous
// registration of the same name. Returns an error if the name is empty or any
// tool is missing a name or executor.
func (r *Registry) RegisterPack(name string, list []Tool) error {
	if name == "" {
		return fmt.Errorf("tools: pack name is required")
	}
	for _, tool := range list {
		if tool.Name == "" {
			return fmt.Errorf("tools: pack %q contains a tool with no name", name)
		}
		if tool.Run == nil {
			return fmt.Errorf("tools: pack %q tool %q has no executor", name, tool.Name)
		}
	}
	dup := make([]Tool, len(list))
	copy(dup, list)
	r.mu.Lock()
	r.packs[name] = dup
	r.mu.Unlock()
	return nil
}

// Resolve flattens the named packs in order into a single tool list. On
// duplicate names the last registration wins. Unknown pack names are an error
// so misconfigured agents fail loudly at construction rather than at call time.
func (r *Registry) Resolve(packNames []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lists [][]Tool
	for _, name := range packNames {
		pack, ok := r.packs[name]
		if !ok {
			return nil, fmt.Errorf("tools: unknown pack %q", name)
		}
		lists = append(lists, pack)
	}
	return Dedupe(lists...), nil
}

// Pack returns a copy of the named pack and whether it exists.
func (r *Registry) Pack(name string) ([]Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pack, ok := r.packs[name]
	if !ok {
		return nil, false
	}
	dup := make([]Tool, len(pack))
	copy(dup, pack)
	return dup, true
}

// PackNames lists the registered pack names in sorted order.
func (r *Registry) PackNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.packs))
	for name := range r.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
