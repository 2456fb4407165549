package bus

import (
	"reflect"
	"strings"
	"sync"

	"github.com/taskmesh/taskmesh/events"
)

// Listener receives a decoded event. Listeners are invoked serially on the
// dispatch loop unless the bus is configured with a dispatch pool.
type Listener func(topic string, payload events.Payload)

// entry holds the listeners registered under one pattern string.
type entry struct {
	pattern   string
	listeners []Listener
}

// registry is the per-bus listener table. Exact topics, glob patterns and
// the unconditional "*" are kept separately so dispatch never has to
// reclassify pattern strings per message.
type registry struct {
	mu    sync.RWMutex
	exact map[string]*entry
	globs []*entry // excludes "*"
	all   entry    // listeners under "*"
}

func newRegistry() *registry {
	return &registry{exact: make(map[string]*entry)}
}

// isGlob reports whether pattern contains shell-style metacharacters and
// therefore needs a broker pattern subscription.
func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// listenerID gives a comparable identity for de-duplication. Two references
// to the same function compare equal; distinct closures do not.
func listenerID(fn Listener) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

func containsListener(list []Listener, fn Listener) bool {
	id := listenerID(fn)
	for _, l := range list {
		if listenerID(l) == id {
			return true
		}
	}
	return false
}

// add registers fn under pattern. It reports whether the listener was newly
// added (false means the same pair was already registered) and whether this
// is the first listener for the pattern, in which case the caller owes the
// broker a subscription.
func (r *registry) add(pattern string, fn Listener) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pattern == events.AllTopics {
		if containsListener(r.all.listeners, fn) {
			return false, false
		}
		first = len(r.all.listeners) == 0
		r.all.listeners = append(r.all.listeners, fn)
		return true, first
	}

	if isGlob(pattern) {
		for _, e := range r.globs {
			if e.pattern == pattern {
				if containsListener(e.listeners, fn) {
					return false, false
				}
				e.listeners = append(e.listeners, fn)
				return true, false
			}
		}
		r.globs = append(r.globs, &entry{pattern: pattern, listeners: []Listener{fn}})
		return true, true
	}

	e, ok := r.exact[pattern]
	if !ok {
		r.exact[pattern] = &entry{pattern: pattern, listeners: []Listener{fn}}
		return true, true
	}
	if containsListener(e.listeners, fn) {
		return false, false
	}
	e.listeners = append(e.listeners, fn)
	return true, false
}

// exactListeners returns the listeners subscribed to topic itself.
func (r *registry) exactListeners(topic string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.exact[topic]
	if !ok {
		return nil
	}
	return append([]Listener(nil), e.listeners...)
}

// patternListeners returns the listeners registered under pattern. The broker
// already matched pattern against the delivered topic, so no glob evaluation
// happens here.
func (r *registry) patternListeners(pattern string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pattern == events.AllTopics {
		return append([]Listener(nil), r.all.listeners...)
	}
	for _, e := range r.globs {
		if e.pattern == pattern {
			return append([]Listener(nil), e.listeners...)
		}
	}
	return nil
}
