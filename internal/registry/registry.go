package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned by Lookup for names that were never registered.
	ErrUnknownTool = errors.New("unknown tool")
)

// Registry resolves operation names to descriptors.
type Registry interface {
	// Lookup returns the descriptor for name or ErrUnknownTool.
	Lookup(name string) (*ToolDescriptor, error)

	// List returns every descriptor ordered by name.
	List() []*ToolDescriptor
}

// MemoryRegistry is the in-process catalog. Registration is rare and takes
// an exclusive lock; lookups share a read lock.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tools: make(map[string]*ToolDescriptor)}
}

// Register adds a descriptor. The registry keeps its own copy so later
// changes to d are not observed.
func (r *MemoryRegistry) Register(d *ToolDescriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("Register: %w", err)
	}
	cp := *d

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[cp.Name]; exists {
		return fmt.Errorf("Register: %s: %w", cp.Name, ErrDuplicateTool)
	}
	r.tools[cp.Name] = &cp
	return nil
}

// MustRegister registers d and panics on error. Intended for startup wiring.
func (r *MemoryRegistry) MustRegister(d *ToolDescriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *MemoryRegistry) Lookup(name string) (*ToolDescriptor, error) {
	r.mu.RLock()
	d, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Lookup: %s: %w", name, ErrUnknownTool)
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRegistry) List() []*ToolDescriptor {
	r.mu.RLock()
	out := make([]*ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		cp := *d
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
