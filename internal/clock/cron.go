package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule evaluates cron expressions. Five and six field expressions (with leading seconds),
// descriptors such as @hourly and a CRON_TZ= prefix are accepted. Expressions without a timezone are
// evaluated in UTC.
type CronSchedule struct {
	parser cron.Parser
	loc    *time.Location

	mu    sync.RWMutex
	cache map[string]cron.Schedule
}

func NewCronSchedule() *CronSchedule {
	return &CronSchedule{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.UTC,
		cache:  make(map[string]cron.Schedule),
	}
}

// Parse validates expr and caches the parsed schedule
func (c *CronSchedule) Parse(expr string) (cron.Schedule, error) {
	c.mu.RLock()
	sched, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := c.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	c.mu.Lock()
	c.cache[expr] = sched
	c.mu.Unlock()
	return sched, nil
}

// Next returns the first activation of expr strictly after from
func (c *CronSchedule) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := c.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	next := sched.Next(from.In(c.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}
