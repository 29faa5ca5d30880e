package realtime

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Member is one live connection as seen by the registry and dispatcher.
type Member interface {
	// Enqueue offers a frame without blocking. It reports false when the
	// member's queue is full or the member is closed.
	Enqueue(frame []byte) bool
	Close()
}

// Registry maps owners to the set of connections authenticated as them.
// Owners are spread over fixed shards; no lock covers more than one shard.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu     sync.RWMutex
	groups map[string]map[Member]struct{}
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].groups = make(map[string]map[Member]struct{})
	}
	return r
}

func (r *Registry) shard(ownerID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	return &r.shards[h.Sum32()%registryShards]
}

// Join adds m to the owner's group. Joining twice is a no-op.
func (r *Registry) Join(ownerID string, m Member) {
	s := r.shard(ownerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[ownerID]
	if !ok {
		group = make(map[Member]struct{})
		s.groups[ownerID] = group
	}
	if _, present := group[m]; !present {
		group[m] = struct{}{}
		groupMembers.Inc()
	}
}

// Leave removes m from the owner's group. Leaving when absent is a no-op.
func (r *Registry) Leave(ownerID string, m Member) {
	s := r.shard(ownerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[ownerID]
	if !ok {
		return
	}
	if _, present := group[m]; !present {
		return
	}
	delete(group, m)
	groupMembers.Dec()
	if len(group) == 0 {
		delete(s.groups, ownerID)
	}
}

// Members returns a snapshot of the owner's group in no particular order.
func (r *Registry) Members(ownerID string) []Member {
	s := r.shard(ownerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	group := s.groups[ownerID]
	out := make([]Member, 0, len(group))
	for m := range group {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Size(ownerID string) int {
	s := r.shard(ownerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[ownerID])
}
