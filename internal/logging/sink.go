package logging

import (
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink is the central log stream of a run. Handlers created from it format
// records into lines and enqueue them; one goroutine writes the lines in
// enqueue order and fans them out to live subscribers.
type Sink struct {
	out   io.Writer
	lines chan string
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	subMu  sync.Mutex
	subs   map[int]chan string
	nextID int
}

// NewSink starts the consumer goroutine. size bounds the queue; producers
// block when it is full rather than dropping records.
func NewSink(out io.Writer, size int) *Sink {
	if size < 1 {
		size = 256
	}
	s := &Sink{
		out:   out,
		lines: make(chan string, size),
		done:  make(chan struct{}),
		subs:  make(map[int]chan string),
	}
	go s.run()
	return s
}

// Handler returns a slog handler feeding the sink.
func (s *Sink) Handler(level slog.Leveler) slog.Handler {
	return &TraditionalHandler{level: level, emit: s.enqueue}
}

// FormatHandler returns a handler feeding the sink in the given format,
// "json" or the traditional text lines.
func (s *Sink) FormatHandler(format string, level slog.Leveler) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(lineWriter{s}, &slog.HandlerOptions{Level: level})
	}
	return s.Handler(level)
}

// lineWriter enqueues every write as one line. slog handlers write each
// record with a single call.
type lineWriter struct{ s *Sink }

func (w lineWriter) Write(p []byte) (int, error) {
	w.s.enqueue(string(p))
	return len(p), nil
}

func (s *Sink) enqueue(line string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		_, _ = io.WriteString(s.out, line)
		return
	}
	s.lines <- line
}

func (s *Sink) run() {
	defer close(s.done)
	for line := range s.lines {
		_, _ = io.WriteString(s.out, line)
		s.publish(line)
	}
}

func (s *Sink) publish(line string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe returns a channel receiving every line written after the call and
// an unsubscribe function. Slow subscribers miss lines; the sink never blocks
// on them.
func (s *Sink) Subscribe() (<-chan string, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan string, 64)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// Close drains the queue and stops the consumer. Records logged afterwards
// are written synchronously.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.lines)
	s.mu.Unlock()
	<-s.done

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}
