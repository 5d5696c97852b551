// Package aggregator buffers rapid-fire inbound messages per patient so a
// burst is analyzed as one utterance instead of several fragments.
package aggregator

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period after the last fragment before a
// buffer is flushed.
const DefaultDebounce = 10 * time.Second

// FlushFunc receives the aggregated text once a patient's buffer settles.
type FlushFunc func(patientID string, aggregated string)

// Aggregator debounces inbound message fragments per patient. Each new
// fragment resets the patient's timer; when the timer fires the buffered
// fragments are joined with newlines and handed to the flush callback.
// A zero debounce flushes synchronously, which keeps tests deterministic.
type Aggregator struct {
	debounce time.Duration
	flush    FlushFunc

	mu      sync.RWMutex
	buffers map[string]*buffer
}

type buffer struct {
	mu    sync.Mutex
	parts []string
	timer *time.Timer
}

// Opts holds configuration for the aggregator.
type Opts struct {
	Debounce time.Duration
	set      bool
}

// Option configures the aggregator.
type Option func(*Opts)

// WithDebounce sets the quiet period. Zero disables debouncing entirely.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) {
		o.Debounce = d
		o.set = true
	}
}

// New creates an aggregator that calls flush when a buffer settles.
func New(flush FlushFunc, opts ...Option) *Aggregator {
	cfg := Opts{Debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.set {
		cfg.Debounce = DefaultDebounce
	}
	return &Aggregator{
		debounce: cfg.Debounce,
		flush:    flush,
		buffers:  make(map[string]*buffer),
	}
}

// Add appends a fragment to the patient's buffer and resets its timer.
func (a *Aggregator) Add(patientID string, text string) {
	if a.debounce == 0 {
		a.flush(patientID, text)
		return
	}

	a.mu.Lock()
	buf, ok := a.buffers[patientID]
	if !ok {
		buf = &buffer{}
		a.buffers[patientID] = buf
	}
	a.mu.Unlock()

	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.parts = append(buf.parts, text)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(a.debounce, func() {
		a.fire(patientID, buf)
	})
	slog.Debug("Aggregator.Add: fragment buffered", "patientID", patientID, "parts", len(buf.parts))
}

// Flush forces the patient's buffer to flush immediately if non-empty.
func (a *Aggregator) Flush(patientID string) {
	a.mu.RLock()
	buf, ok := a.buffers[patientID]
	a.mu.RUnlock()
	if !ok {
		return
	}
	buf.mu.Lock()
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.mu.Unlock()
	a.fire(patientID, buf)
}

// Stop cancels all pending timers without flushing.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, buf := range a.buffers {
		buf.mu.Lock()
		if buf.timer != nil {
			buf.timer.Stop()
		}
		buf.parts = nil
		buf.mu.Unlock()
	}
	a.buffers = make(map[string]*buffer)
}

// fire drains the buffer and invokes the flush callback. Fragments arriving
// after the drain start a fresh buffer.
func (a *Aggregator) fire(patientID string, buf *buffer) {
	buf.mu.Lock()
	parts := buf.parts
	buf.parts = nil
	buf.timer = nil
	buf.mu.Unlock()

	if len(parts) == 0 {
		return
	}
	aggregated := strings.Join(parts, "\n")
	slog.Debug("Aggregator: buffer flushed", "patientID", patientID, "fragments", len(parts))
	a.flush(patientID, aggregated)
}
