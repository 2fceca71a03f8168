package logrelay

import (
	"context"
	"io"
	"sync"
)

// upstream is one shared connection to a spoke's log-tail endpoint plus the
// bounded replay history and the current subscriber set.
type upstream struct {
	key    streamKey
	source LineSource

	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	history     []string
	histHead    int
	histFilled  bool
	ended       bool
}

func newUpstream(key streamKey, source LineSource, replayLines int) *upstream {
	return &upstream{
		key:         key,
		source:      source,
		subscribers: make(map[*Subscription]struct{}),
		history:     make([]string, replayLines),
	}
}

// attach adds a subscriber, replaying the buffered tail into it first.
// Returns nil if the upstream already ended.
func (u *upstream) attach(bufferLines int) *Subscription {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.ended {
		return nil
	}

	sub := &Subscription{
		up:     u,
		buf:    make([]Line, bufferLines),
		notify: make(chan struct{}, 1),
	}

	// Replay happens under the upstream lock so no live line can slip in
	// between the tail and the subscription going live.
	n := len(u.history)
	start, count := 0, u.histHead
	if u.histFilled {
		start, count = u.histHead, n
	}
	for i := 0; i < count; i++ {
		sub.push(Line{Text: u.history[(start+i)%n]})
	}

	u.subscribers[sub] = struct{}{}
	return sub
}

// detach removes a subscriber and reports whether it was the last one
func (u *upstream) detach(sub *Subscription) (last bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.subscribers[sub]; !exists {
		return false
	}

	delete(u.subscribers, sub)
	sub.close()
	return len(u.subscribers) == 0 && !u.ended
}

// broadcast records a line in the replay history and pushes it to every
// subscriber without blocking
func (u *upstream) broadcast(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.history[u.histHead] = text
	u.histHead++
	if u.histHead == len(u.history) {
		u.histHead = 0
		u.histFilled = true
	}

	for sub := range u.subscribers {
		sub.push(Line{Text: text})
	}
}

// shutdown closes the upstream source and every remaining subscriber
func (u *upstream) shutdown() {
	u.mu.Lock()
	if u.ended {
		u.mu.Unlock()
		return
	}
	u.ended = true
	subs := make([]*Subscription, 0, len(u.subscribers))
	for sub := range u.subscribers {
		subs = append(subs, sub)
	}
	u.subscribers = make(map[*Subscription]struct{})
	u.mu.Unlock()

	u.source.Close()
	for _, sub := range subs {
		sub.close()
	}
}

// Subscription is one dashboard subscriber's view of a log stream. Lines
// queue in a bounded ring; when the subscriber falls behind, the oldest
// buffered lines are dropped and replaced by a single gap marker so the
// stream never silently reorders or blocks the upstream.
type Subscription struct {
	up *upstream

	mu      sync.Mutex
	buf     []Line
	start   int
	count   int
	skipped int
	closed  bool

	notify chan struct{}
}

// push appends a line, dropping the oldest when full. Never blocks.
func (s *Subscription) push(line Line) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.count == len(s.buf) {
		s.start = (s.start + 1) % len(s.buf)
		s.count--
		s.skipped++
	}
	s.buf[(s.start+s.count)%len(s.buf)] = line
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a line is available, the stream ends (io.EOF), or ctx
// is done. Dropped content surfaces as a gap line before the lines that
// followed it.
func (s *Subscription) Next(ctx context.Context) (Line, error) {
	for {
		s.mu.Lock()
		if s.skipped > 0 {
			line := Line{Gap: true, Skipped: s.skipped}
			s.skipped = 0
			s.mu.Unlock()
			return line, nil
		}
		if s.count > 0 {
			line := s.buf[s.start]
			s.start = (s.start + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return line, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Line{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Line{}, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
