package consumer

import (
	"sync"
	"time"
)

// Observer is composed onto a Job to react to its lifecycle, rather
// than the Job itself growing bespoke behavior per feature: capability
// composition instead of inheritance.
type Observer interface {
	// Attach is called once, when the observer is registered onto a job.
	Attach(j *Job)
	// OnJobChanged is called after every occupancy-affecting operation
	// on the job it is attached to.
	OnJobChanged(j *Job)
}

// RoomFullObserver calls Emit exactly once, the first time a job
// reaches full capacity, then deactivates itself — later arrivals and
// departures no longer trigger it.
type RoomFullObserver struct {
	Emit func(j *Job)

	mu    sync.Mutex
	fired bool
}

func NewRoomFullObserver(emit func(j *Job)) *RoomFullObserver {
	return &RoomFullObserver{Emit: emit}
}

func (o *RoomFullObserver) Attach(j *Job) {}

func (o *RoomFullObserver) OnJobChanged(j *Job) {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return
	}
	full := j.OccupantCount()+j.ReservationCount() >= j.Capacity()
	if !full {
		o.mu.Unlock()
		return
	}
	o.fired = true
	o.mu.Unlock()

	if o.Emit != nil {
		o.Emit(j)
	}
}

// AutoDestroyObserver watches for the job going idle (zero occupants
// and zero reservations) and asks Destroy to tear it down after two
// consecutive idle observations spaced interval apart — a single
// transient dip (e.g. the moment between a Leave and the next Arrive)
// must not trigger destruction.
type AutoDestroyObserver struct {
	Destroy  func(j *Job)
	Interval time.Duration

	mu         sync.Mutex
	idleStreak int
	stopped    bool
	stopCh     chan struct{}
}

const defaultAutoDestroyInterval = 10 * time.Second

func NewAutoDestroyObserver(interval time.Duration, destroy func(j *Job)) *AutoDestroyObserver {
	if interval <= 0 {
		interval = defaultAutoDestroyInterval
	}
	return &AutoDestroyObserver{Destroy: destroy, Interval: interval, stopCh: make(chan struct{})}
}

func (o *AutoDestroyObserver) Attach(j *Job) {
	go o.poll(j)
}

// OnJobChanged resets the idle streak whenever a change leaves the job
// with at least one occupant or reservation; a job that just received
// an arrival should not be destroyed moments later because of a stale
// idle observation. A change that leaves the job empty does not reset
// the streak.
func (o *AutoDestroyObserver) OnJobChanged(j *Job) {
	if j.OccupantCount()+j.ReservationCount() > 0 {
		o.mu.Lock()
		o.idleStreak = 0
		o.mu.Unlock()
	}
}

func (o *AutoDestroyObserver) poll(j *Job) {
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if !j.Open() {
				return
			}
			idle := j.OccupantCount()+j.ReservationCount() == 0
			o.mu.Lock()
			if o.stopped {
				o.mu.Unlock()
				return
			}
			if idle {
				o.idleStreak++
			} else {
				o.idleStreak = 0
			}
			streak := o.idleStreak
			o.mu.Unlock()

			if streak >= 2 {
				if o.Destroy != nil {
					o.Destroy(j)
				}
				return
			}
		}
	}
}

// stop halts the observer's background poll loop, e.g. once the job it
// watches has already been destroyed another way.
func (o *AutoDestroyObserver) stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()
	close(o.stopCh)
}
