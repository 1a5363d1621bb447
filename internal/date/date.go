// Package date provides a cached, thread-safe access log timestamp.
package date

import (
	"sync/atomic"
	"time"
)

// Layout is the Common Log Format timestamp layout.
const Layout = "02/Jan/2006:15:04:05 -0700"

// current holds the formatted timestamp so log lines avoid a Format call each.
var current atomic.Pointer[string]

// StartTicker refreshes the cached timestamp every second until the returned
// stop function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

func update(now time.Time) {
	s := now.Format(Layout)
	current.Store(&s)
}

// Current returns the cached timestamp, formatting on the spot if no ticker
// has been started.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().Format(Layout)
}
