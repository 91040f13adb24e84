package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awelzel/stravapoller/internal/domain"
)

type mockPollStateStore struct {
	mu      sync.Mutex
	states  map[int64]domain.PollState
	errored map[int64]int
}

func newMockPollStateStore(states ...domain.PollState) *mockPollStateStore {
	m := &mockPollStateStore{states: make(map[int64]domain.PollState), errored: make(map[int64]int)}
	for _, s := range states {
		m.states[s.ID] = s
	}
	return m
}

func (m *mockPollStateStore) GetEligible(_ context.Context, excludeIDs []int64, _ time.Duration) ([]domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[int64]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	var result []domain.PollState
	for _, s := range m.states {
		if !s.Stopped && !excluded[s.ID] {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *mockPollStateStore) MarkError(_ context.Context, id int64, _ string, _ interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored[id]++
	s := m.states[id]
	s.ErrorHappened = true
	m.states[id] = s
	return nil
}

func (m *mockPollStateStore) errorCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errored[id]
}

type mockTokenStore struct{}

func (mockTokenStore) GetByUserID(_ context.Context, userID int64) (*domain.Token, error) {
	return &domain.Token{UserID: userID, AccessToken: "tok"}, nil
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []int64
}

func (a *recordingApplier) Apply(_ context.Context, pollStateID int64, _ int64, _ domain.FetchResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, pollStateID)
	return nil
}

func (a *recordingApplier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

type blockingWorker struct {
	mu        sync.Mutex
	running   int
	maxSeen   int
	release   chan struct{}
	returnErr error
}

func newBlockingWorker() *blockingWorker {
	return &blockingWorker{release: make(chan struct{})}
}

func (w *blockingWorker) Run(ctx context.Context, _ Snapshot) (domain.FetchResult, error) {
	w.mu.Lock()
	w.running++
	if w.running > w.maxSeen {
		w.maxSeen = w.running
	}
	w.mu.Unlock()

	select {
	case <-w.release:
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.running--
	w.mu.Unlock()

	return domain.FetchResult{StateUpdate: domain.StateUpdate{TotalFetches: 1, LastFetchCompletedAt: time.Now()}}, w.returnErr
}

func TestScheduler_SubmitsEligibleAndApplies(t *testing.T) {
	states := newMockPollStateStore(domain.PollState{ID: 1, UserID: 10})
	applier := &recordingApplier{}
	worker := newBlockingWorker()
	close(worker.release) // let the job finish immediately

	sched := New(states, mockTokenStore{}, applier, worker, SchedulerConfig{
		WorkerCount: 2,
		PollSleep:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	require.Eventually(t, func() bool {
		return applier.appliedCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	sched.Stop()
}

func TestScheduler_StoppedStateNeverSelected(t *testing.T) {
	states := newMockPollStateStore(domain.PollState{ID: 1, UserID: 10, Stopped: true})
	applier := &recordingApplier{}
	worker := newBlockingWorker()
	close(worker.release)

	sched := New(states, mockTokenStore{}, applier, worker, SchedulerConfig{
		WorkerCount: 2,
		PollSleep:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, applier.appliedCount())

	cancel()
	sched.Stop()
}

func TestScheduler_AtMostOneInFlightPerState(t *testing.T) {
	states := newMockPollStateStore(domain.PollState{ID: 1, UserID: 10})
	applier := &recordingApplier{}
	worker := newBlockingWorker() // release kept open: jobs stay running

	sched := New(states, mockTokenStore{}, applier, worker, SchedulerConfig{
		WorkerCount: 4,
		PollSleep:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	time.Sleep(50 * time.Millisecond)

	worker.mu.Lock()
	maxSeen := worker.maxSeen
	worker.mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 1, "the same poll state must never have two concurrent worker invocations")

	close(worker.release)
	cancel()
	sched.Stop()
}

func TestScheduler_WorkerErrorMarksPollStateAndUnblocksRetry(t *testing.T) {
	states := newMockPollStateStore(domain.PollState{ID: 1, UserID: 10})
	applier := &recordingApplier{}
	worker := newBlockingWorker()
	worker.returnErr = assert.AnError
	close(worker.release)

	sched := New(states, mockTokenStore{}, applier, worker, SchedulerConfig{
		WorkerCount: 2,
		PollSleep:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	// A second MarkError shows the failed job freed its inflight slot and the
	// state was submitted again.
	require.Eventually(t, func() bool {
		return states.errorCount(1) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, applier.appliedCount())

	cancel()
	sched.Stop()
}

func TestScheduler_StopDrainsInFlightJobs(t *testing.T) {
	states := newMockPollStateStore(domain.PollState{ID: 1, UserID: 10})
	applier := &recordingApplier{}
	worker := newBlockingWorker()

	sched := New(states, mockTokenStore{}, applier, worker, SchedulerConfig{
		WorkerCount:   2,
		PollSleep:     5 * time.Millisecond,
		ShutdownDrain: time.Second,
	})

	ctx := context.Background()
	sched.Start(ctx)

	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return worker.running == 1
	}, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(worker.release)
	}()

	sched.Stop()
}
