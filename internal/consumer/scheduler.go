// Package consumer implements the consumer-side work scheduler: it
// matches incoming requests against existing jobs or creates new ones
// through a bounded-concurrency workload factory, holds timed seat
// reservations until the caller's workload confirms arrival, and
// composes lifecycle observers (room-full auto-emit, auto-destroy on
// idle) onto each job rather than hard-coding that behavior into Job
// itself.
package consumer

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlb/pkg/workload"
)

const (
	// DefaultReservationHoldTime is how long a seat reservation survives
	// before it is released back to the pool if the player never arrives.
	DefaultReservationHoldTime = 10 * time.Second
	// DefaultAutoDestroyCheckInterval is the poll period for idle jobs.
	DefaultAutoDestroyCheckInterval = 10 * time.Second
)

// Options configures a Scheduler. Zero values are replaced with the
// package defaults in New.
type Options struct {
	Concurrency              int
	ReservationHoldTime      time.Duration
	AutoDestroyCheckInterval time.Duration
	Limits                   workload.Limits
	RoomFullAutoEmit         bool
	AutoDestroyOnIdle        bool
	AutoCreate               bool
}

// ConsumeRequest asks the scheduler to seat one or more players
// together, matching against an existing job's Properties or creating
// a new one of Properties if none matches and AutoCreate (Options) is
// set.
type ConsumeRequest struct {
	PlayerIDs  []string
	Properties map[string]interface{}
}

// ConsumeResponse names the job the request's players were seated in.
type ConsumeResponse struct {
	JobName string
}

// Scheduler owns the active job set and the bounded queue gating job
// creation.
type Scheduler struct {
	opts    Options
	factory workload.Factory
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	jobs   []*Job
	named  map[string]*Job
	seq    int

	creationQueue *queue

	onLoadChangeMu sync.Mutex
	onLoadChange   func()
}

// New builds a Scheduler. factory is used to create the Workload
// backing each new job.
func New(factory workload.Factory, opts Options, log *zap.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ReservationHoldTime <= 0 {
		opts.ReservationHoldTime = DefaultReservationHoldTime
	}
	if opts.AutoDestroyCheckInterval <= 0 {
		opts.AutoDestroyCheckInterval = DefaultAutoDestroyCheckInterval
	}
	if opts.Limits.DefaultSeatCount <= 0 {
		opts.Limits.DefaultSeatCount = 1
	}
	return &Scheduler{
		opts:          opts,
		factory:       factory,
		log:           log,
		named:         make(map[string]*Job),
		creationQueue: newQueue(opts.Concurrency),
	}
}

// SetOnLoadChange registers a callback fired whenever the scheduler's
// observable load (its job/occupant count) changes — the dispatcher
// wires this to the registry's throttled reporter.
func (s *Scheduler) SetOnLoadChange(fn func()) {
	s.onLoadChangeMu.Lock()
	s.onLoadChange = fn
	s.onLoadChangeMu.Unlock()
}

func (s *Scheduler) fireLoadChange() {
	s.onLoadChangeMu.Lock()
	fn := s.onLoadChange
	s.onLoadChangeMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Load returns the scheduler's current occupancy across every job in
// its active set (closed jobs not yet removed included): the sum of
// occupants and live reservations. This is what the
// registry reports as this node's load.
func (s *Scheduler) Load() int {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	total := 0
	for _, j := range jobs {
		total += j.OccupantCount() + j.ReservationCount()
	}
	return total
}

// validSeatCount rejects any party size a job could never seat. The
// ceiling is MaxSeatCount when the class declares one, otherwise
// DefaultSeatCount, since that is the capacity a freshly created job
// will actually have — a party within that bound but larger than the
// class default would create a job it can never fit into and fail
// later as an internal seat-accounting error instead of a caller error.
func validSeatCount(n int, limits workload.Limits) bool {
	if n <= 0 {
		return false
	}
	if limits.MinSeatCount > 0 && n < limits.MinSeatCount {
		return false
	}
	max := limits.MaxSeatCount
	if max <= 0 {
		max = limits.DefaultSeatCount
	}
	if max > 0 && n > max {
		return false
	}
	return true
}

func propertiesMatch(want, have map[string]interface{}) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || !reflect.DeepEqual(v, hv) {
			return false
		}
	}
	return true
}

// Consume matches req against the active job list (insertion order,
// first fit) and reserves a seat for every id in req.PlayerIDs as one
// atomic group. If nothing matches and job creation is permitted, a
// new job is built through the bounded creation queue and the request
// is retried against it.
func (s *Scheduler) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResponse, error) {
	seatCount := len(req.PlayerIDs)
	if !validSeatCount(seatCount, s.opts.Limits) {
		return ConsumeResponse{}, ErrBadSeatCount
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ConsumeResponse{}, ErrClosed
	}

	for _, j := range s.jobs {
		if !j.Open() || !propertiesMatch(req.Properties, j.Properties()) {
			continue
		}
		if j.AvailableSeats() < seatCount {
			continue
		}
		if err := j.ReserveSeats(req.PlayerIDs, s.opts.ReservationHoldTime); err == nil {
			name := j.name
			s.mu.Unlock()
			s.fireLoadChange()
			return ConsumeResponse{JobName: name}, nil
		}
		// Lost a race against another Consume for the same job; keep
		// scanning the remaining jobs rather than failing outright.
	}

	if !s.opts.AutoCreate {
		s.mu.Unlock()
		return ConsumeResponse{}, ErrNoMatch
	}
	s.mu.Unlock()

	j, err := s.createJob(ctx, req.Properties)
	if err != nil {
		return ConsumeResponse{}, err
	}

	if err := j.ReserveSeats(req.PlayerIDs, s.opts.ReservationHoldTime); err != nil {
		return ConsumeResponse{}, fmt.Errorf("consumer: reserve in newly created job %s: %w", j.name, err)
	}
	s.fireLoadChange()
	return ConsumeResponse{JobName: j.name}, nil
}

func (s *Scheduler) createJob(ctx context.Context, properties map[string]interface{}) (*Job, error) {
	var created *Job
	err := s.creationQueue.do(ctx, func() error {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.seq++
		name := fmt.Sprintf("job-%d", s.seq)
		capacity := s.opts.Limits.DefaultSeatCount
		s.mu.Unlock()

		handle := jobHandle{name: name}
		wl, err := s.factory(ctx, handle, nil)
		if err != nil {
			return fmt.Errorf("consumer: build workload for %s: %w", name, err)
		}

		j := newJob(name, capacity, properties, wl, s.fireLoadChange)
		s.attachDefaultObservers(j)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = wl.Terminate(ctx)
			return ErrClosed
		}
		s.jobs = append(s.jobs, j)
		s.named[name] = j
		s.mu.Unlock()

		created = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Scheduler) attachDefaultObservers(j *Job) {
	var observers []Observer
	if s.opts.RoomFullAutoEmit {
		observers = append(observers, NewRoomFullObserver(func(job *Job) {
			if s.log != nil {
				s.log.Info("job reached capacity", zap.String("job", job.Name()))
			}
		}))
	}
	if s.opts.AutoDestroyOnIdle {
		observers = append(observers, NewAutoDestroyObserver(s.opts.AutoDestroyCheckInterval, func(job *Job) {
			s.destroyJob(job)
		}))
	}
	if len(observers) > 0 {
		j.attachObservers(observers...)
	}
}

func (s *Scheduler) destroyJob(j *Job) {
	s.mu.Lock()
	if _, ok := s.named[j.name]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.named, j.name)
	for i, cand := range s.jobs {
		if cand == j {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info("destroying idle job", zap.String("job", j.name))
	}
	go func() {
		<-j.Terminate(context.Background())
		s.fireLoadChange()
	}()
}

// Arrive and Leave forward occupancy transitions for jobName's player
// to the underlying Job, used by a workload's transport to report
// connect/disconnect events back into the scheduler.
func (s *Scheduler) Arrive(jobName, playerID string) error {
	j, ok := s.lookup(jobName)
	if !ok {
		return ErrNoMatch
	}
	return j.Arrive(playerID)
}

func (s *Scheduler) Leave(jobName, playerID string) error {
	j, ok := s.lookup(jobName)
	if !ok {
		return ErrNoMatch
	}
	return j.Leave(playerID)
}

func (s *Scheduler) lookup(jobName string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.named[jobName]
	return j, ok
}

// Close stops accepting new work and terminates every active job,
// waiting for each to finish (or ctx to expire).
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			select {
			case <-j.Terminate(ctx):
			case <-ctx.Done():
			}
		}(j)
	}
	wg.Wait()
	return nil
}

// jobHandle is the narrow workload.Handle view of a not-yet-constructed
// Job passed to the factory before the Job itself exists.
type jobHandle struct{ name string }

func (h jobHandle) Name() string { return h.name }
