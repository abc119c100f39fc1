package streamer

import (
	"context"
	"sync"
)

type RecordType string

const (
	RecordOutput RecordType = "output"
	RecordEnd    RecordType = "end"
	RecordError  RecordType = "error"
)

// Record is one newline-delimited entry of a streamed response
type Record struct {
	Type     RecordType `json:"type"`
	Content  string     `json:"content,omitempty"`
	ExitCode *int       `json:"exitCode,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Terminal is true for end and error records
func (r Record) Terminal() bool {
	return r.Type == RecordEnd || r.Type == RecordError
}

// Subscription is an ordered, non-resumable reader of one execution's output
type Subscription struct {
	ch       chan Record
	done     chan struct{}
	once     sync.Once
	session  *Session
	finished bool
}

// Next returns the next record. It returns false once the terminal record was consumed, the
// subscription was detached or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Record, bool) {
	if s.finished {
		return Record{}, false
	}

	select {
	case rec, ok := <-s.ch:
		if !ok {
			s.finished = true
			return Record{}, false
		}
		if rec.Terminal() {
			s.finished = true
		}
		return rec, true
	case <-s.done:
		s.finished = true
		return Record{}, false
	case <-ctx.Done():
		return Record{}, false
	}
}

// Detach stops delivery to this subscription. The execution keeps running unless linked cancellation
// is configured.
func (s *Subscription) Detach() {
	s.once.Do(func() {
		close(s.done)
		s.session.detach(s)
	})
}

func (s *Subscription) deliver(rec Record, drop bool) bool {
	if drop {
		select {
		case s.ch <- rec:
			return true
		case <-s.done:
			return true
		default:
			return false
		}
	}

	select {
	case s.ch <- rec:
	case <-s.done:
	}
	return true
}

// deliverFinal always gets the terminal record in, evicting the oldest record under the drop policy
func (s *Subscription) deliverFinal(rec Record, drop bool) {
	defer close(s.ch)
	for {
		select {
		case s.ch <- rec:
			return
		case <-s.done:
			return
		default:
		}

		if !drop {
			select {
			case s.ch <- rec:
			case <-s.done:
			}
			return
		}

		select {
		case <-s.ch:
			s.session.dropped.Add(1)
		default:
		}
	}
}
