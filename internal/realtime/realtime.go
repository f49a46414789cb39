// Package realtime fans record changes out to interested subscribers. Local
// writes and remote database events go through the same Emitter, so callers
// never depend on the transport that produced a change.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"dukapos/internal/domain"
)

const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const (
	SourceLocal    = "local"
	SourceSupabase = "supabase"
)

type Change struct {
	Entity domain.EntityType `json:"entity"`
	Action string            `json:"action"`
	ID     string            `json:"id"`
	Record json.RawMessage   `json:"record,omitempty"`
	At     time.Time         `json:"at"`
	Source string            `json:"source"`
}

type Handler func(Change)

type Feed interface {
	// OnChange registers h for one entity type, or for every type when
	// entity is empty. The returned func removes the registration.
	OnChange(entity domain.EntityType, h Handler) (unsubscribe func())
}

type Publisher interface {
	Publish(change Change)
}

// Emitter is an in-process Feed and Publisher. Handlers run synchronously on
// the publishing goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]subscription
}

type subscription struct {
	entity  domain.EntityType
	handler Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: map[int]subscription{}}
}

func (e *Emitter) OnChange(entity domain.EntityType, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = subscription{entity: entity, handler: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

func (e *Emitter) Publish(change Change) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	if change.Source == "" {
		change.Source = SourceLocal
	}

	e.mu.RLock()
	targets := make([]Handler, 0, len(e.handlers))
	for _, sub := range e.handlers {
		if sub.entity == "" || sub.entity == change.Entity {
			targets = append(targets, sub.handler)
		}
	}
	e.mu.RUnlock()

	for _, h := range targets {
		h(change)
	}
}

// Subscribers reports the number of live registrations.
func (e *Emitter) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// RecordChange builds a Change carrying v as its JSON record.
func RecordChange(entity domain.EntityType, action, id string, v any) Change {
	change := Change{Entity: entity, Action: action, ID: id, At: time.Now().UTC()}
	if v != nil {
		if body, err := json.Marshal(v); err == nil {
			change.Record = body
		}
	}
	return change
}
