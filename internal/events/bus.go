// Package events carries engine events to in-process subscribers.
//
// Publish never blocks engine progress: each subscriber owns a buffered
// channel and events are dropped, not queued, when a subscriber falls
// behind. Consumers that need every event should drain promptly or keep
// their own cursor over persisted state.
package events

import (
	"sync"
	"time"

	"threatflow/internal/metrics"
)

// Engine event names.
const (
	WorkflowRegistered     = "workflowRegistered"
	WorkflowUnregistered   = "workflowUnregistered"
	ExecutionStarted       = "executionStarted"
	ExecutionStatusChanged = "executionStatusChanged"
	ExecutionCompleted     = "executionCompleted"
	ExecutionFailed        = "executionFailed"
	ExecutionCancelled     = "executionCancelled"
	ActionCompleted        = "actionCompleted"
	ActionFailed           = "actionFailed"
	RuleAdded              = "ruleAdded"
	RuleRemoved            = "ruleRemoved"
	AlertReceived          = "alertReceived"
	AlertTriaged           = "alertTriaged"
	TriageError            = "triageError"
)

type Event struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	TS    time.Time `json:"ts"`
}

// Bus fans events out to subscribers keyed by event name. Subscribing
// with an empty topic receives every event.
type Bus struct {
	mu     sync.Mutex
	nextID int
	buffer int
	subs   map[string]map[int]chan Event
	now    func() time.Time
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 8
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[string]map[int]chan Event),
		now:    time.Now,
	}
}

func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[topic][id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[topic]; ok {
			if sub, ok := subs[id]; ok {
				delete(subs, id)
				close(sub)
			}
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to subscribers of its name and to firehose
// subscribers. Full subscriber channels drop the event.
func (b *Bus) Publish(event string, data any) {
	if b == nil {
		return
	}
	ev := Event{Event: event, Data: data, TS: b.now().UTC()}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(b.subs[event], ev)
	if event != "" {
		b.deliver(b.subs[""], ev)
	}
}

func (b *Bus) deliver(subs map[int]chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}
