package models

import "time"

// Timing is one step of an execution's timing breakdown. Value is in seconds.
type Timing struct {
	Description string    `json:"description"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

const TotalTimingDescription = "Total execution time"

// Stopwatch records the time elapsed between consecutive marks
type Stopwatch struct {
	start   time.Time
	last    time.Time
	timings []Timing
	now     func() time.Time
}

func NewStopwatch() *Stopwatch {
	return NewStopwatchWithClock(time.Now)
}

func NewStopwatchWithClock(now func() time.Time) *Stopwatch {
	t := now()
	return &Stopwatch{start: t, last: t, now: now}
}

// Mark records the duration since the previous mark
func (s *Stopwatch) Mark(description string) {
	t := s.now()
	s.timings = append(s.timings, Timing{
		Description: description,
		Value:       t.Sub(s.last).Seconds(),
		Timestamp:   t,
	})
	s.last = t
}

// Timings returns the marks so far
func (s *Stopwatch) Timings() []Timing {
	out := make([]Timing, len(s.timings))
	copy(out, s.timings)
	return out
}

func (s *Stopwatch) Start() time.Time {
	return s.start
}

// WithTotal appends the total duration between start and end to timings
func WithTotal(timings []Timing, start, end time.Time) []Timing {
	return append(timings, Timing{
		Description: TotalTimingDescription,
		Value:       end.Sub(start).Seconds(),
		Timestamp:   end,
	})
}
