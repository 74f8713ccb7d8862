package hub

import (
	"sort"
	"sync"

	"github.com/droverhq/drover/pkg/types"
)

// HealthFunc reports whether an instance can be routed to.
type HealthFunc func(instanceID string) bool

// Router resolves message recipients to worker instance ids. It owns the
// kind and channel membership tables and applies the health filter and the
// per-recipient in-flight soft cap.
type Router struct {
	mu       sync.RWMutex
	kinds    map[string]map[string]bool // worker kind -> instance ids
	members  map[string]string          // instance id -> worker kind
	channels map[string]map[string]bool // channel name -> instance ids
	inflight map[string]int

	softCap int
	healthy HealthFunc
}

// NewRouter creates a router. softCap bounds in-flight messages per
// instance for fan-out recipients; zero or negative disables the cap.
// healthy may be nil, in which case every instance is considered routable.
func NewRouter(softCap int, healthy HealthFunc) *Router {
	return &Router{
		kinds:    make(map[string]map[string]bool),
		members:  make(map[string]string),
		channels: make(map[string]map[string]bool),
		inflight: make(map[string]int),
		softCap:  softCap,
		healthy:  healthy,
	}
}

// AddInstance registers an instance under its worker kind.
func (r *Router) AddInstance(kind, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.kinds[kind] == nil {
		r.kinds[kind] = make(map[string]bool)
	}
	r.kinds[kind][instanceID] = true
	r.members[instanceID] = kind
}

// RemoveInstance drops an instance from its kind and all channels.
func (r *Router) RemoveInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind, ok := r.members[instanceID]; ok {
		delete(r.kinds[kind], instanceID)
		if len(r.kinds[kind]) == 0 {
			delete(r.kinds, kind)
		}
	}
	delete(r.members, instanceID)
	delete(r.inflight, instanceID)
	for name, subs := range r.channels {
		delete(subs, instanceID)
		if len(subs) == 0 {
			delete(r.channels, name)
		}
	}
}

// KindOf returns the worker kind an instance registered under.
func (r *Router) KindOf(instanceID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[instanceID]
}

// JoinChannel subscribes an instance to a named channel.
func (r *Router) JoinChannel(name, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[name] == nil {
		r.channels[name] = make(map[string]bool)
	}
	r.channels[name][instanceID] = true
}

// LeaveChannel removes an instance from a channel.
func (r *Router) LeaveChannel(name, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.channels[name]; ok {
		delete(subs, instanceID)
		if len(subs) == 0 {
			delete(r.channels, name)
		}
	}
}

// Resolve expands a recipient into instance ids, sorted for deterministic
// fan-out. Fan-out recipients (kind, broadcast, channel) are filtered by
// health and the in-flight soft cap; a directly addressed instance skips the
// cap so control messages always get through, but never routes unhealthy.
func (r *Router) Resolve(recipient types.Recipient) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	switch recipient.Kind {
	case types.RecipientInstance:
		if _, ok := r.members[recipient.Name]; ok && r.isHealthy(recipient.Name) {
			ids = append(ids, recipient.Name)
		}
		return ids
	case types.RecipientWorkerKind:
		for id := range r.kinds[recipient.Name] {
			if r.routable(id) {
				ids = append(ids, id)
			}
		}
	case types.RecipientBroadcast:
		for id := range r.members {
			if r.routable(id) {
				ids = append(ids, id)
			}
		}
	case types.RecipientChannel:
		for id := range r.channels[recipient.Name] {
			if r.routable(id) {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) isHealthy(id string) bool {
	return r.healthy == nil || r.healthy(id)
}

func (r *Router) routable(id string) bool {
	if !r.isHealthy(id) {
		return false
	}
	if r.softCap > 0 && r.inflight[id] >= r.softCap {
		return false
	}
	return true
}

// NoteInflight records a message in flight to an instance.
func (r *Router) NoteInflight(instanceID string) {
	r.mu.Lock()
	r.inflight[instanceID]++
	r.mu.Unlock()
}

// ReleaseInflight records the end of an in-flight message.
func (r *Router) ReleaseInflight(instanceID string) {
	r.mu.Lock()
	if r.inflight[instanceID] > 0 {
		r.inflight[instanceID]--
	}
	r.mu.Unlock()
}
