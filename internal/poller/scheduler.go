package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/awelzel/stravapoller/internal/domain"
	"github.com/awelzel/stravapoller/internal/stravaapi"
)

// PollStateStore is the subset of internal/postgres.PollStateStore the
// scheduler needs. Declared here so the scheduler can be tested against a
// fake without importing the postgres package.
type PollStateStore interface {
	GetEligible(ctx context.Context, excludeIDs []int64, latestInterval time.Duration) ([]domain.PollState, error)
	MarkError(ctx context.Context, id int64, message string, errorData interface{}) error
}

// TokenStore resolves the bearer token a worker snapshot needs.
type TokenStore interface {
	GetByUserID(ctx context.Context, userID int64) (*domain.Token, error)
}

// ResultApplier is the subset of internal/postgres.ResultApplier the
// scheduler needs.
type ResultApplier interface {
	Apply(ctx context.Context, pollStateID int64, userID int64, result domain.FetchResult) error
}

// FetchWorker runs a single fetch job. Implemented by *Worker.
type FetchWorker interface {
	Run(ctx context.Context, snap Snapshot) (domain.FetchResult, error)
}

// SchedulerConfig carries the scheduler's timing/sizing knobs.
type SchedulerConfig struct {
	WorkerCount    int
	PollSleep      time.Duration
	LatestInterval time.Duration
	ShutdownDrain  time.Duration
}

// job is the bookkeeping the scheduler keeps per in-flight poll state: the
// user id the job was submitted for and a channel the worker goroutine
// signals completion on.
type job struct {
	userID int64
	done   chan jobOutcome
}

type jobOutcome struct {
	result domain.FetchResult
	err    error
}

// Scheduler is the Scheduler (C6): a foreground loop that submits eligible
// PollStates to a bounded worker pool and applies each completed result in
// a single transaction. Confines all `inflight` bookkeeping to its own
// goroutine; workers communicate back only through a result envelope.
type Scheduler struct {
	states  PollStateStore
	tokens  TokenStore
	applier ResultApplier
	worker  FetchWorker
	cfg     SchedulerConfig

	sem chan struct{} // bounds concurrent worker goroutines to cfg.WorkerCount

	inflight map[int64]*job
	wake     chan struct{} // signaled by a worker goroutine on completion, to skip the sleep

	// workCtx outlives the submit loop's cancellation: a job already
	// dispatched keeps running against workCtx so Stop's shutdown-drain
	// window lets it actually finish instead of aborting the in-flight
	// upstream call.
	workCtx context.Context

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. worker is typically a *Worker backed by a
// clientpool of *stravaapi.Client handles.
func New(states PollStateStore, tokens TokenStore, applier ResultApplier, worker FetchWorker, cfg SchedulerConfig) *Scheduler {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	return &Scheduler{
		states:   states,
		tokens:   tokens,
		applier:  applier,
		worker:   worker,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.WorkerCount),
		inflight: make(map[int64]*job),
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.workCtx = ctx
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.loop(ctx)
	}()
}

// Stop cancels the scheduler, waits up to cfg.ShutdownDrain for in-flight
// jobs to finish applying, then returns. The scheduler stops submitting
// new jobs immediately; jobs already dispatched are allowed to complete.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done == nil {
		return
	}

	if s.cfg.ShutdownDrain <= 0 {
		<-s.done
		return
	}

	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownDrain):
		slog.Warn("poller: shutdown drain deadline exceeded, exiting with jobs still in flight",
			"count", len(s.inflight))
	}
}

// loop is the scheduler's single-threaded main loop: submit eligible
// states, harvest completions, and apply results, all from this one
// goroutine, so `inflight` is never touched concurrently. On shutdown it
// stops submitting, waits for every dispatched worker goroutine to return,
// then makes one final harvest pass so in-flight jobs still get applied
// instead of being silently dropped.
func (s *Scheduler) loop(ctx context.Context) {
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		progressed := s.submitEligible(ctx, &wg)
		if s.harvestCompletions(ctx) {
			progressed = true
		}

		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-time.After(s.cfg.PollSleep):
		}
	}

	wg.Wait()
	s.harvestCompletions(context.Background())
}

// submitEligible queries for eligible poll states excluding whatever is
// already in-flight, and launches one worker goroutine per eligible state.
// Returns true if anything was submitted.
func (s *Scheduler) submitEligible(ctx context.Context, wg *sync.WaitGroup) bool {
	excludeIDs := make([]int64, 0, len(s.inflight))
	for id := range s.inflight {
		excludeIDs = append(excludeIDs, id)
	}

	eligible, err := s.states.GetEligible(ctx, excludeIDs, s.cfg.LatestInterval)
	if err != nil {
		slog.Error("poller: failed to query eligible poll states", "error", err)
		return false
	}

	for _, ps := range eligible {
		token, err := s.tokens.GetByUserID(ctx, ps.UserID)
		if err != nil {
			slog.Error("poller: failed to load token, skipping this tick", "user_id", ps.UserID, "error", err)
			continue
		}
		if token == nil {
			slog.Warn("poller: no token on file, skipping this tick", "user_id", ps.UserID)
			continue
		}

		j := &job{userID: ps.UserID, done: make(chan jobOutcome, 1)}
		s.inflight[ps.ID] = j

		wg.Add(1)
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			delete(s.inflight, ps.ID)
			return len(eligible) > 0
		}

		go s.runJob(&wg, ps, token.AccessToken, j)
	}

	return len(eligible) > 0
}

// runJob executes one worker call and signals the result back to the
// scheduler goroutine through j.done. Runs on its own goroutine, gated by
// s.sem so at most cfg.WorkerCount run concurrently. Deliberately uses
// s.workCtx rather than the submit loop's ctx, so Stop cancelling
// submission does not also abort a call already in flight.
func (s *Scheduler) runJob(wg *sync.WaitGroup, ps domain.PollState, accessToken string, j *job) {
	defer wg.Done()
	defer func() { <-s.sem }()
	defer s.signalWake()

	result, err := s.worker.Run(s.workCtx, Snapshot{
		UserID:    ps.UserID,
		Token:     accessToken,
		PollState: ps,
	})
	j.done <- jobOutcome{result: result, err: err}
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// harvestCompletions applies every finished job's result and removes it
// from inflight. Returns true if anything was applied.
func (s *Scheduler) harvestCompletions(ctx context.Context) bool {
	progressed := false

	for id, j := range s.inflight {
		select {
		case outcome := <-j.done:
			s.applyOutcome(ctx, id, j.userID, outcome)
			delete(s.inflight, id)
			progressed = true
		default:
		}
	}

	return progressed
}

// applyOutcome classifies a job's result and either commits it through the
// applier or marks the poll state with the error. An unhandled worker panic
// cannot reach here (runJob captures no panics deliberately, a crashing
// worker goroutine is a programmer error, not a data condition) but any
// returned error, known or unexpected, always produces exactly one
// PollState write so the state never gets stuck re-submitting forever.
func (s *Scheduler) applyOutcome(ctx context.Context, pollStateID, userID int64, outcome jobOutcome) {
	if outcome.err != nil {
		s.markFailure(ctx, pollStateID, outcome.err)
		return
	}

	if err := s.applier.Apply(ctx, pollStateID, userID, outcome.result); err != nil {
		slog.Error("poller: failed to apply fetch result", "poll_state_id", pollStateID, "error", err)
		s.markFailure(ctx, pollStateID, err)
	}
}

func (s *Scheduler) markFailure(ctx context.Context, pollStateID int64, cause error) {
	message := cause.Error()
	var errorData interface{} = map[string]string{"error": message}

	var invalidAthlete *stravaapi.InvalidAthleteAccessToken
	var invalidAccess *stravaapi.InvalidAccessToken
	var badRequest *stravaapi.BadRequestError

	switch {
	case errors.As(cause, &invalidAthlete):
		message = invalidAthlete.Body.Message
		errorData = map[string]interface{}{
			"response_data":    invalidAthlete.Body,
			"response_headers": invalidAthlete.Headers,
		}
	case errors.As(cause, &invalidAccess):
		message = invalidAccess.Body.Message
		errorData = map[string]interface{}{
			"response_data":    invalidAccess.Body,
			"response_headers": invalidAccess.Headers,
		}
	case errors.As(cause, &badRequest):
		message = badRequest.Body.Message
		errorData = map[string]interface{}{"response_data": badRequest.Body}
	}

	if err := s.states.MarkError(ctx, pollStateID, message, errorData); err != nil {
		slog.Error("poller: failed to mark poll state error", "poll_state_id", pollStateID, "error", err)
	}
}
