// Package correlation issues trace contexts and threads them through an
// operation so every stage and event of a refund can be joined later.
//
// A root context is created per logical operation (an API call, a batch
// sweep). Child contexts keep the root id and record their own step name,
// which is enough to rebuild the call tree after the fact with Trace.
package correlation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/refundops/internal/domain"
)

// Context is the trace node threaded through a flow.
type Context = domain.CorrelationContext

// Stats is a point-in-time view used for operational monitoring.
type Stats struct {
	ActiveFlows int   `json:"active_flows"`
	TotalIssued int64 `json:"total_issued"`
}

// Manager issues root and child contexts and remembers them for Trace.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	gen     Generator
	now     func() time.Time
	nodes   map[string]Context
	byRoot  map[string][]string
	active  map[string]struct{}
	service string
	issued  int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator replaces the UUIDv7 id generator.
func WithGenerator(g Generator) Option {
	return func(m *Manager) { m.gen = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. service is used as the default source
// service name for children.
func NewManager(service string, opts ...Option) *Manager {
	m := &Manager{
		gen:     UUIDv7Generator{},
		now:     time.Now,
		nodes:   make(map[string]Context),
		byRoot:  make(map[string][]string),
		active:  make(map[string]struct{}),
		service: service,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewRoot starts a new flow.
func (m *Manager) NewRoot(operation, initiator, source, target string) Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.gen.Generate()
	c := Context{
		ID:            id,
		RootID:        id,
		Operation:     operation,
		Initiator:     initiator,
		SourceService: source,
		TargetService: target,
		CreatedAt:     m.now().UTC(),
	}
	m.record(c)
	m.active[id] = struct{}{}
	return c
}

// Child derives a context for one step of parent's flow. The child keeps
// parent's root and initiator; its source service is parent's target.
func (m *Manager) Child(parent Context, step, target string) Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	source := parent.TargetService
	if source == "" {
		source = m.service
	}
	root := parent.RootID
	if root == "" {
		root = parent.ID
	}
	c := Context{
		ID:            m.gen.Generate(),
		ParentID:      parent.ID,
		RootID:        root,
		Operation:     step,
		Initiator:     parent.Initiator,
		SourceService: source,
		TargetService: target,
		Depth:         parent.Depth + 1,
		CreatedAt:     m.now().UTC(),
	}
	m.record(c)
	return c
}

func (m *Manager) record(c Context) {
	m.nodes[c.ID] = c
	m.byRoot[c.RootID] = append(m.byRoot[c.RootID], c.ID)
	m.issued++
}

// Complete marks a root flow as finished. Its nodes stay available to Trace
// until pruned.
func (m *Manager) Complete(rootID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, rootID)
}

// Get returns a single node by id.
func (m *Manager) Get(id string) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.nodes[id]
	return c, ok
}

// Trace returns every node of the flow containing id, in issue order.
// id may be the root or any descendant.
func (m *Manager) Trace(id string) []Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok {
		return nil
	}
	ids := m.byRoot[node.RootID]
	out := make([]Context, 0, len(ids))
	for _, nid := range ids {
		out = append(out, m.nodes[nid])
	}
	return out
}

// Stats reports active root flows and the number of contexts ever issued.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{ActiveFlows: len(m.active), TotalIssued: m.issued}
}

// Prune forgets completed flows whose root was created before cutoff.
// Active flows are kept regardless of age. Returns the number of roots removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	roots := make([]string, 0)
	for rootID := range m.byRoot {
		if _, live := m.active[rootID]; live {
			continue
		}
		root, ok := m.nodes[rootID]
		if ok && !root.CreatedAt.Before(cutoff) {
			continue
		}
		roots = append(roots, rootID)
	}
	sort.Strings(roots)
	for _, rootID := range roots {
		for _, nid := range m.byRoot[rootID] {
			delete(m.nodes, nid)
		}
		delete(m.byRoot, rootID)
	}
	return len(roots)
}

type ctxKey struct{}

// With stores c on ctx.
func With(ctx context.Context, c Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

// From extracts the correlation context stored by With.
func From(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}
