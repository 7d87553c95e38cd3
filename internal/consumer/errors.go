package consumer

import "errors"

var (
	// ErrClosed is returned by Consume once the scheduler has been
	// closed.
	ErrClosed = errors.New("consumer: scheduler closed")
	// ErrNoMatch is returned when no job satisfies a match request and
	// job creation is not permitted for this request.
	ErrNoMatch = errors.New("consumer: no matching job")
	// ErrBadSeatCount is returned when a requested seat count violates
	// the workload class's declared bounds.
	ErrBadSeatCount = errors.New("consumer: seat count out of bounds")
	// ErrSeatUnavailable marks an internal-invariant breach: a
	// reservation was attempted on a job with no free seats. Scheduler
	// Consume returns it, wrapped, to its caller when a job it has just
	// created cannot seat the whole party; the scheduler does not log it.
	ErrSeatUnavailable = errors.New("consumer: no seat available")
	// ErrReservationExpired is returned when a player arrives after
	// their hold expired; the seat must not be silently re-occupied.
	ErrReservationExpired = errors.New("consumer: reservation expired")
	// ErrNotOccupant is returned when a departure is reported for a
	// player who is not currently occupying the job.
	ErrNotOccupant = errors.New("consumer: not an occupant")
	// ErrJobClosed is returned by job operations once the job has
	// stopped accepting new reservations.
	ErrJobClosed = errors.New("consumer: job closed")
)
