package consumer

import (
	"context"
	"sync"
	"time"

	"meshlb/pkg/workload"
)

// reservation is a time-bounded seat hold between match and arrival. It
// is never exported across the wire; only the job name reaches the
// caller.
type reservation struct {
	playerID  string
	expiresAt time.Time
	timer     *time.Timer
}

// Job is one active unit of work the scheduler owns: it tracks seat
// accounting (occupants + reservations <= capacity) around an opaque
// Workload, and notifies onChange whenever its observable load
// contribution changes.
type Job struct {
	name       string
	capacity   int
	properties map[string]interface{}
	wl         workload.Workload

	mu           sync.Mutex
	open         bool
	occupants    map[string]struct{}
	reservations map[string]*reservation
	emptyCh      chan struct{}

	onChange func()
	observers []Observer
}

func newJob(name string, capacity int, properties map[string]interface{}, wl workload.Workload, onChange func()) *Job {
	j := &Job{
		name:         name,
		capacity:     capacity,
		properties:   properties,
		wl:           wl,
		open:         true,
		occupants:    make(map[string]struct{}),
		reservations: make(map[string]*reservation),
		emptyCh:      make(chan struct{}),
		onChange:     onChange,
	}
	close(j.emptyCh) // a fresh job has no occupants
	return j
}

// Name satisfies workload.Handle.
func (j *Job) Name() string { return j.name }

// Capacity returns the job's total seat count.
func (j *Job) Capacity() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.capacity
}

// Open reports whether the job still accepts reservations.
func (j *Job) Open() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.open
}

// Properties returns the job's matching criteria properties.
func (j *Job) Properties() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.properties
}

// OccupantCount and ReservationCount expose the seat-accounting
// invariant's two terms for observers and tests.
func (j *Job) OccupantCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.occupants)
}

func (j *Job) ReservationCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.reservations)
}

// AvailableSeats returns capacity - occupants - reservations.
func (j *Job) AvailableSeats() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.availableSeatsLocked()
}

func (j *Job) availableSeatsLocked() int {
	return j.capacity - len(j.occupants) - len(j.reservations)
}

// attachObservers registers lifecycle observers (room-full auto-emit,
// auto-destroy-on-idle, ...) composed onto this job. Must be called
// before the job is exposed to callers.
func (j *Job) attachObservers(observers ...Observer) {
	j.observers = append(j.observers, observers...)
	for _, o := range observers {
		o.Attach(j)
	}
}

func (j *Job) notifyObservers() {
	for _, o := range j.observers {
		o.OnJobChanged(j)
	}
}

// MakeReservation holds a seat for playerID for holdTime. The hold timer
// is armed only after the seat is accounted for, and its expiry is
// idempotent: it only ever removes the exact reservation it was armed
// for, never a later one for the same player.
func (j *Job) MakeReservation(playerID string, holdTime time.Duration) error {
	j.mu.Lock()
	if !j.open {
		j.mu.Unlock()
		return ErrJobClosed
	}
	if j.availableSeatsLocked() <= 0 {
		j.mu.Unlock()
		return ErrSeatUnavailable
	}
	r := &reservation{playerID: playerID, expiresAt: time.Now().Add(holdTime)}
	j.reservations[playerID] = r
	r.timer = time.AfterFunc(holdTime, func() { j.expireReservation(playerID, r) })
	j.markOccupancyChangedLocked()
	j.mu.Unlock()

	j.fireChange()
	return nil
}

// ReserveSeats holds one seat per id in playerIDs, as a single atomic
// group: either every id gets a seat or none do, so a party never ends
// up split across jobs by a partial failure.
func (j *Job) ReserveSeats(playerIDs []string, holdTime time.Duration) error {
	j.mu.Lock()
	if !j.open {
		j.mu.Unlock()
		return ErrJobClosed
	}
	if j.availableSeatsLocked() < len(playerIDs) {
		j.mu.Unlock()
		return ErrSeatUnavailable
	}
	for _, id := range playerIDs {
		pid := id
		r := &reservation{playerID: pid, expiresAt: time.Now().Add(holdTime)}
		j.reservations[pid] = r
		r.timer = time.AfterFunc(holdTime, func() { j.expireReservation(pid, r) })
	}
	j.markOccupancyChangedLocked()
	j.mu.Unlock()

	j.fireChange()
	return nil
}

func (j *Job) expireReservation(playerID string, r *reservation) {
	j.mu.Lock()
	cur, ok := j.reservations[playerID]
	if !ok || cur != r {
		// Already consumed by arrival, or superseded by a newer
		// reservation for the same player; expiry is a no-op either way.
		j.mu.Unlock()
		return
	}
	delete(j.reservations, playerID)
	j.markOccupancyChangedLocked()
	j.mu.Unlock()
	j.fireChange()
}

// Arrive converts playerID's reservation into an occupant. A late
// arrival after the reservation already expired fails rather than
// silently re-occupying a seat that may since have been given away.
func (j *Job) Arrive(playerID string) error {
	j.mu.Lock()
	r, ok := j.reservations[playerID]
	if !ok {
		j.mu.Unlock()
		return ErrReservationExpired
	}
	r.timer.Stop()
	delete(j.reservations, playerID)
	j.occupants[playerID] = struct{}{}
	j.markOccupancyChangedLocked()
	j.mu.Unlock()
	j.fireChange()
	return nil
}

// Leave removes an occupant (the workload reports a player departure).
func (j *Job) Leave(playerID string) error {
	j.mu.Lock()
	if _, ok := j.occupants[playerID]; !ok {
		j.mu.Unlock()
		return ErrNotOccupant
	}
	delete(j.occupants, playerID)
	j.markOccupancyChangedLocked()
	j.mu.Unlock()
	j.fireChange()
	return nil
}

// markOccupancyChangedLocked maintains emptyCh's closed-iff-empty
// invariant; callers must hold j.mu.
func (j *Job) markOccupancyChangedLocked() {
	empty := len(j.occupants) == 0
	select {
	case <-j.emptyCh:
		if !empty {
			j.emptyCh = make(chan struct{})
		}
	default:
		if empty {
			close(j.emptyCh)
		}
	}
}

func (j *Job) fireChange() {
	j.notifyObservers()
	if j.onChange != nil {
		j.onChange()
	}
}

func (j *Job) waitEmpty() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.emptyCh
}

// stopper is implemented by observers that run a background loop and
// need an explicit signal to stop polling a job that is going away.
type stopper interface {
	stop()
}

// close marks the job closed to new reservations without touching
// existing occupants/reservations, and signals any observer with a
// background poll loop to stop rather than wait out its next tick.
func (j *Job) close() {
	j.mu.Lock()
	j.open = false
	observers := j.observers
	j.mu.Unlock()

	for _, o := range observers {
		if s, ok := o.(stopper); ok {
			s.stop()
		}
	}
}

// Terminate asks the workload to wind down and resolves once either the
// workload's own END fires or all current occupants have left,
// whichever happens first.
func (j *Job) Terminate(ctx context.Context) <-chan struct{} {
	j.close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = j.wl.Terminate(ctx)
		select {
		case <-j.wl.Done():
		case <-j.waitEmpty():
		case <-ctx.Done():
		}
	}()
	return done
}
