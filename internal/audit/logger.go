package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Entry represents an audit log entry.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	RequestID string            `json:"request_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	RequestID string
	Operation string
	Actor     string
	Start     time.Time
	End       time.Time
	Limit     int
}

// Match reports whether e passes every set field of f.
func (f Filter) Match(e Entry) bool {
	switch {
	case f.RequestID != "" && e.RequestID != f.RequestID:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case !f.Start.IsZero() && e.Timestamp.Before(f.Start):
		return false
	case !f.End.IsZero() && e.Timestamp.After(f.End):
		return false
	}
	return true
}

// Subscriber receives audit entries via a channel.
type Subscriber struct {
	C  chan Entry
	id string
}

// Logger is an async audit logger that decouples the critical path from log writes.
type Logger struct {
	entries   chan Entry
	out       io.Writer
	retention int

	sendMu sync.RWMutex
	closed bool

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	store       []Entry

	dropped atomic.Uint64
	done    chan struct{}
}

// DefaultRetention is the number of entries kept in memory for Query.
const DefaultRetention = 10000

// NewLogger creates a logger with the given buffer size and output writer.
func NewLogger(bufferSize int, out io.Writer) *Logger {
	l := &Logger{
		entries:     make(chan Entry, bufferSize),
		out:         out,
		retention:   DefaultRetention,
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
	}
	go l.processLoop()
	return l
}

// Log sends an entry to the async processing pipeline. Non-blocking if buffer has capacity.
func (l *Logger) Log(operation, requestID, status, actor string, metadata map[string]string) {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Operation: operation,
		RequestID: requestID,
		Actor:     actor,
		Status:    status,
		Metadata:  metadata,
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		l.dropped.Inc()
		return
	}
	select {
	case l.entries <- entry:
	default:
		l.dropped.Inc()
		slog.Warn("audit log buffer full, dropping entry", "operation", operation, "request_id", requestID)
	}
}

// Dropped reports how many entries were discarded.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Subscribe creates a new subscriber that receives entries via a buffered channel.
func (l *Logger) Subscribe() *Subscriber {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &Subscriber{
		C:  make(chan Entry, 64),
		id: uuid.NewString(),
	}
	l.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber.
func (l *Logger) Unsubscribe(sub *Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subscribers[sub.id]; !ok {
		return
	}
	delete(l.subscribers, sub.id)
	close(sub.C)
}

// Query returns stored audit entries matching f, newest first.
func (l *Logger) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Entry
	for i := len(l.store) - 1; i >= 0; i-- {
		e := l.store[i]
		if !f.Match(e) {
			continue
		}
		results = append(results, e)
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results
}

// Close stops the processing loop and waits for it to finish. Entries
// logged afterwards are dropped.
func (l *Logger) Close() {
	l.sendMu.Lock()
	if l.closed {
		l.sendMu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.entries)
	l.sendMu.Unlock()
	<-l.done
}

func (l *Logger) processLoop() {
	defer close(l.done)

	for entry := range l.entries {
		l.mu.Lock()
		l.store = append(l.store, entry)
		if n := len(l.store) - l.retention; n > 0 {
			l.store = append(l.store[:0], l.store[n:]...)
		}
		l.mu.Unlock()

		if l.out != nil {
			data, err := json.Marshal(entry)
			if err != nil {
				slog.Error("audit marshal", "error", err)
				continue
			}
			fmt.Fprintf(l.out, "%s\n", data)
		}

		// Fan-out to subscribers (non-blocking)
		l.mu.RLock()
		for _, sub := range l.subscribers {
			select {
			case sub.C <- entry:
			default:
				// subscriber too slow, drop
			}
		}
		l.mu.RUnlock()
	}
}
