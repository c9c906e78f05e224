// Package diag carries informational and error events out of the OBD core
// to whoever displays them (log, status page, websocket clients).
package diag

import (
	"log"
	"sync"
	"time"
)

// Sink receives diagnostic events. Status messages are meant for the
// operator-facing status view, the rest only for logs.
type Sink interface {
	Message(msg string, status bool)
	Error(msg string, err error)
}

// Event is one recorded diagnostic.
type Event struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"` // "info" or "error"
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
	Status  bool      `json:"status"`
}

// Log writes events through the standard logger.
type Log struct {
	Tag string
}

func (l Log) Message(msg string, status bool) {
	log.Printf("[%s] %s", l.tag(), msg)
}

func (l Log) Error(msg string, err error) {
	log.Printf("[%s] error: %s: %v", l.tag(), msg, err)
}

func (l Log) tag() string {
	if l.Tag == "" {
		return "obd"
	}
	return l.Tag
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Message(msg string, status bool) {
	for _, s := range m {
		s.Message(msg, status)
	}
}

func (m Multi) Error(msg string, err error) {
	for _, s := range m {
		s.Error(msg, err)
	}
}

// Recorder keeps the most recent events and notifies subscribers.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
	subs   []func(Event)
	now    func() time.Time
}

// NewRecorder keeps up to limit events (100 when limit <= 0).
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit, now: time.Now}
}

// Subscribe registers fn to be called for every new event. fn runs on the
// emitting goroutine and must not block.
func (r *Recorder) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Recorder) Message(msg string, status bool) {
	r.add(Event{Level: "info", Message: msg, Status: status})
}

func (r *Recorder) Error(msg string, err error) {
	ev := Event{Level: "error", Message: msg, Status: true}
	if err != nil {
		ev.Error = err.Error()
	}
	r.add(ev)
}

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	ev.Time = r.now()
	r.events = append(r.events, ev)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	subs := append([]func(Event){}, r.subs...)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Events returns recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Status returns recorded status events, oldest first.
func (r *Recorder) Status() []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Status {
			out = append(out, ev)
		}
	}
	return out
}
