package scheduler

import (
	"sync"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/log"
)

// Committer coalesces commits: Touch arms a timer that commits once writes
// have been quiet for the interval.
type Committer struct {
	commit   func() error
	name     string
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewCommitter(name string, interval time.Duration, commit func() error) *Committer {
	return &Committer{commit: commit, name: name, interval: interval}
}

// Touch records a write and restarts the quiet period.
func (c *Committer) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.interval, c.fire)
}

func (c *Committer) fire() {
	c.mu.Lock()
	c.timer = nil
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	if err := c.commit(); err != nil {
		log.Errorf("%s: commit failed: %v", c.name, err)
	}
}

// Flush cancels the pending timer and commits now.
func (c *Committer) Flush() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.commit()
}

// Stop flushes and disables further timers.
func (c *Committer) Stop() error {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.commit()
}
