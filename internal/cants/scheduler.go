package cants

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// slot is one entry of a fixed session pool.
type slot interface {
	idle() bool
	due() time.Time
}

// soonest expires every overdue session in slots, then returns the index of
// the session due next and how long until it is due. The index is -1 when
// every session is idle.
func soonest[S slot](now time.Time, slots []S, expire func(S)) (int, time.Duration) {
	idx := -1
	var wait time.Duration

	for i, s := range slots {
		if s.idle() {
			continue
		}
		if !now.Before(s.due()) {
			expire(s)
		}
		// expire either reset the session or moved its deadline.
		if s.idle() {
			continue
		}
		if d := s.due().Sub(now); idx < 0 || d < wait {
			idx, wait = i, d
		}
	}
	return idx, wait
}

// nextTimer arms a timer for the session due next. It returns a nil channel,
// which never fires, when there is nothing to wait for.
func nextTimer(clock clockwork.Clock, idx int, wait time.Duration) (clockwork.Timer, <-chan time.Time) {
	if idx < 0 {
		return nil, nil
	}
	t := clock.NewTimer(wait)
	return t, t.Chan()
}

func countActive[S slot](slots []S) int {
	n := 0
	for _, s := range slots {
		if !s.idle() {
			n++
		}
	}
	return n
}
