package httpapi

import (
	"sync"

	"github.com/google/uuid"
)

// canvasEvent is what flows through the in-process relay: canvas edits and
// mission-progress notifications for one workflow.
type canvasEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

type broker struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan canvasEvent]struct{}
}

func newBroker() *broker {
	return &broker{subs: map[uuid.UUID]map[chan canvasEvent]struct{}{}}
}

func (b *broker) subscribe(workflowID uuid.UUID) chan canvasEvent {
	ch := make(chan canvasEvent, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[workflowID]
	if m == nil {
		m = map[chan canvasEvent]struct{}{}
		b.subs[workflowID] = m
	}
	m[ch] = struct{}{}
	return ch
}

func (b *broker) unsubscribe(workflowID uuid.UUID, ch chan canvasEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[workflowID]
	if m == nil {
		return
	}
	delete(m, ch)
	close(ch)
	if len(m) == 0 {
		delete(b.subs, workflowID)
	}
}

func (b *broker) publish(workflowID uuid.UUID, ev canvasEvent) {
	b.mu.RLock()
	m := b.subs[workflowID]
	b.mu.RUnlock()
	for ch := range m {
		select {
		case ch <- ev:
		default:
			// Drop for slow consumers; the canvas state is authoritative.
		}
	}
}
