package cache

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Timing collects phase durations for one request and renders them as a
// Server-Timing header. All methods are nil-safe; a request without a
// Timing pays nothing.
type Timing struct {
	mu       sync.Mutex
	started  map[string]time.Time
	finished []phase
}

type phase struct {
	name string
	dur  time.Duration
}

// NewTiming creates an empty Timing.
func NewTiming() *Timing {
	return &Timing{started: make(map[string]time.Time)}
}

func (t *Timing) start(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.started[name] = time.Now()
	t.mu.Unlock()
}

func (t *Timing) stop(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if begun, ok := t.started[name]; ok {
		t.finished = append(t.finished, phase{name: name, dur: time.Since(begun)})
		delete(t.started, name)
	}
	t.mu.Unlock()
}

// render writes the Server-Timing header when any phase completed.
func (t *Timing) render(h http.Header) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.finished) == 0 {
		return
	}
	parts := make([]string, len(t.finished))
	for i, p := range t.finished {
		parts[i] = fmt.Sprintf("%s;dur=%.1f", p.name, float64(p.dur.Microseconds())/1000)
	}
	h.Set("Server-Timing", strings.Join(parts, ", "))
}
