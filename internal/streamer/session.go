package streamer

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

type OverflowPolicy string

const (
	// Block applies backpressure to the producing execution when a subscriber falls behind
	Block OverflowPolicy = "block"
	// Drop discards output records a subscriber has no room for
	Drop OverflowPolicy = "drop"
)

const TruncationNotice = "\n[output truncated]\n"

type Options struct {
	BufferSize   int            // per subscriber
	Overflow     OverflowPolicy // what to do when a subscriber buffer is full
	MaxOutput    int            // cap on log bytes kept and streamed, 0 for no cap
	LinkedCancel bool           // detaching a subscriber cancels the execution
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	return Options{BufferSize: 256, Overflow: Block, MaxOutput: 3 * 1024 * 1024}
}

// Session owns the output of one execution. It accumulates the classic buffer and fans log text out to
// live subscribers in emission order.
type Session struct {
	opts Options

	writeMu sync.Mutex // orders deliveries between Write and Close
	mu      sync.Mutex
	split   Splitter
	logs    strings.Builder
	size    int
	cut     bool
	subs    map[*Subscription]struct{}
	final   *Record
	cancel  func()

	dropped atomic.Int64
	doneCh  chan struct{}
}

func NewSession(opts Options) *Session {
	if opts.BufferSize < 2 {
		opts.BufferSize = 2
	}
	if opts.Overflow == "" {
		opts.Overflow = Block
	}
	return &Session{
		opts:   opts,
		subs:   make(map[*Subscription]struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetCancel registers the function used for linked cancellation
func (s *Session) SetCancel(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Write feeds raw output. It is called by a single producer.
func (s *Session) Write(p []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.final != nil {
		s.mu.Unlock()
		return
	}
	text := s.keepLocked(s.split.Feed(p))
	if text == "" {
		s.mu.Unlock()
		return
	}
	subs := s.snapshotLocked()
	s.mu.Unlock()

	rec := Record{Type: RecordOutput, Content: text}
	for _, sub := range subs {
		if !sub.deliver(rec, s.opts.Overflow == Drop) {
			s.dropped.Add(1)
		}
	}
}

// End terminates the stream with an end record
func (s *Session) End(exitCode int) {
	s.finish(Record{Type: RecordEnd, ExitCode: &exitCode})
}

// Fail terminates the stream with an error record
func (s *Session) Fail(err error) {
	s.finish(Record{Type: RecordError, Error: err.Error()})
}

func (s *Session) finish(final Record) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.final != nil {
		s.mu.Unlock()
		return
	}
	rest := s.keepLocked(s.split.Flush())
	s.final = &final
	subs := s.snapshotLocked()
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		if rest != "" && !sub.deliver(Record{Type: RecordOutput, Content: rest}, s.opts.Overflow == Drop) {
			s.dropped.Add(1)
		}
		sub.deliverFinal(final, s.opts.Overflow == Drop)
	}
	close(s.doneCh)
}

// keepLocked appends text to the classic buffer, applying the output cap. It returns the text that
// subscribers should see.
func (s *Session) keepLocked(text string) string {
	if text == "" {
		return ""
	}
	if s.opts.MaxOutput > 0 {
		if s.cut {
			return ""
		}
		if remaining := s.opts.MaxOutput - s.size; len(text) > remaining {
			cut := remaining
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + TruncationNotice
			s.cut = true
		}
	}
	s.size += len(text)
	s.logs.WriteString(text)
	return text
}

func (s *Session) snapshotLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

// Subscribe attaches a live reader. Output produced before the call is replayed as one record, so the
// concatenation of every output record always equals Logs.
func (s *Session) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{
		ch:      make(chan Record, s.opts.BufferSize),
		done:    make(chan struct{}),
		session: s,
	}
	if s.logs.Len() > 0 {
		sub.ch <- Record{Type: RecordOutput, Content: s.logs.String()}
	}
	if s.final != nil {
		sub.ch <- *s.final
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Session) detach(sub *Subscription) {
	s.mu.Lock()
	_, attached := s.subs[sub]
	delete(s.subs, sub)
	cancel := s.cancel
	running := s.final == nil
	s.mu.Unlock()

	if attached && running && s.opts.LinkedCancel && cancel != nil {
		cancel()
	}
}

// Logs returns the accumulated log text
func (s *Session) Logs() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs.String()
}

// Raw returns the structured block, if one was emitted
func (s *Session) Raw() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.split.Raw()
}

// Truncated is true when the output cap was hit
func (s *Session) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cut
}

// Dropped counts output records discarded for slow subscribers
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Done is closed once the terminal record was delivered
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}
