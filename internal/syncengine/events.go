package syncengine

const (
	EventProgress = "progress"
	EventResult   = "result"
)

// Event is pushed to subscribers after every merged page and at the end of a
// pass.
type Event struct {
	Type     string   `json:"type"`
	Progress Progress `json:"progress"`
	Result   *Result  `json:"result,omitempty"`
}

// Subscribe returns a buffered event feed. Slow subscribers miss events
// rather than stall the pass. Call the returned func to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
