package values

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/observability/log"
)

const defaultShardCount = 16

// ID builds a value identifier. behaviorRef may be empty for entity-level values.
func ID(entityRef, behaviorRef, field string) string {
	var b strings.Builder
	b.Grow(len(entityRef) + len(behaviorRef) + len(field) + 2)
	b.WriteString(entityRef)
	if behaviorRef != "" {
		b.WriteByte('/')
		b.WriteString(behaviorRef)
	}
	b.WriteByte(':')
	b.WriteString(field)
	return b.String()
}

type shard struct {
	mu      sync.RWMutex
	byID    map[string]*Value
	byOwner map[string]map[string]struct{}
}

// Registry indexes every live Value by identifier, sharded by xxhash of the id.
type Registry struct {
	shards      []*shard
	localSource atomic.Pointer[string]
	signals     *signal.Dispatcher
	logger      log.Log
}

type Option func(*Value)

// WithAdapter converts values through a before they reach the wire.
func WithAdapter(a Adapter) Option {
	return func(v *Value) { v.adapter = a }
}

// WithGeneration starts the value at gen, as restored from a snapshot or a
// spawn received from another process.
func WithGeneration(gen uint64) Option {
	return func(v *Value) { v.generation = gen }
}

// Local keeps the value out of replication.
func Local() Option {
	return func(v *Value) { v.replicated = false }
}

func NewRegistry(localSource string, logger log.Log) *Registry {
	r := &Registry{
		shards:  make([]*shard, defaultShardCount),
		signals: signal.New(),
		logger:  log.OrProvide(logger).With(log.String("component", "values")),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			byID:    make(map[string]*Value),
			byOwner: make(map[string]map[string]struct{}),
		}
	}
	r.SetLocalSource(localSource)
	return r
}

// SetLocalSource changes the id stamped on local writes, e.g. once an
// observer learns its connection id from the handshake.
func (r *Registry) SetLocalSource(source string) {
	r.localSource.Store(&source)
}

func (r *Registry) LocalSource() string {
	if p := r.localSource.Load(); p != nil {
		return *p
	}
	return ""
}

// Signals carries Changed for every value in the registry.
func (r *Registry) Signals() *signal.Dispatcher { return r.signals }

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Register creates a value owned by the entity owner. Values are replicated
// unless Local is passed. The initial value does not bump the generation.
func (r *Registry) Register(owner, id string, initial any, opts ...Option) (*Value, error) {
	v := &Value{
		id:         id,
		owner:      owner,
		replicated: true,
		registry:   r,
		lastSource: r.LocalSource(),
	}
	for _, opt := range opts {
		opt(v)
	}
	w, err := v.toWire(initial)
	if err != nil {
		return nil, err
	}
	v.wire = w

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; exists {
		return nil, ErrDuplicateValue
	}
	s.byID[id] = v
	ids := s.byOwner[owner]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byOwner[owner] = ids
	}
	ids[id] = struct{}{}
	return v, nil
}

func (r *Registry) Lookup(id string) (*Value, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[id]
	return v, ok
}

func (r *Registry) Remove(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if ids := s.byOwner[v.owner]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byOwner, v.owner)
		}
	}
	return true
}

// RemoveOwner drops every value owned by the entity and reports how many went.
func (r *Registry) RemoveOwner(owner string) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id := range s.byOwner[owner] {
			delete(s.byID, id)
			removed++
		}
		delete(s.byOwner, owner)
		s.mu.Unlock()
	}
	return removed
}

// Owned returns the values of one entity sorted by id.
func (r *Registry) Owned(owner string) []*Value {
	var out []*Value
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.byOwner[owner] {
			out = append(out, s.byID[id])
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.byID)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) logListenerError(id string, err error) {
	r.logger.Warn("value listener failed", log.String("value", id), log.Error(err))
}
