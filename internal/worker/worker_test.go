package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muriel-platform/stream-core/internal/models"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeQueue struct {
	commands []models.Command
	claimErr error

	returned    []uuid.UUID
	rescheduled []rescheduleCall
	deadLetters []dlqCall
}

type rescheduleCall struct {
	id          uuid.UUID
	errMsg      string
	retryCount  int
	availableAt time.Time
}

type dlqCall struct {
	id         uuid.UUID
	errMsg     string
	retryCount int
}

func (q *fakeQueue) FetchAndClaim(_ context.Context, _ int) ([]models.Command, error) {
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	batch := q.commands
	q.commands = nil
	return batch, nil
}

// ReturnToPending honors context cancellation the way the real store does:
// a query on a dead context never reaches the database.
func (q *fakeQueue) ReturnToPending(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.returned = append(q.returned, id)
	return nil
}

func (q *fakeQueue) Reschedule(_ context.Context, id uuid.UUID, errMsg string, retryCount int, availableAt time.Time) error {
	q.rescheduled = append(q.rescheduled, rescheduleCall{id, errMsg, retryCount, availableAt})
	return nil
}

func (q *fakeQueue) MoveToDLQ(_ context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	q.deadLetters = append(q.deadLetters, dlqCall{id, errMsg, retryCount})
	return nil
}

type fakeLocks struct {
	heldBy map[string]string // "type#id" -> holder

	acquired []string
	released []string
	errored  []string
}

func (l *fakeLocks) Acquire(_ context.Context, entityType, entityID, workerID string, _ time.Duration) (bool, error) {
	key := entityType + "#" + entityID
	if holder, ok := l.heldBy[key]; ok && holder != workerID {
		return false, nil
	}
	l.acquired = append(l.acquired, key)
	return true, nil
}

func (l *fakeLocks) Release(_ context.Context, entityType, entityID, _ string) error {
	l.released = append(l.released, entityType+"#"+entityID)
	return nil
}

func (l *fakeLocks) MarkError(_ context.Context, entityType, entityID, _, _ string) error {
	l.errored = append(l.errored, entityType+"#"+entityID)
	return nil
}

type fakeApplier struct {
	failFor map[uuid.UUID]error
	applied []uuid.UUID
}

func (a *fakeApplier) Apply(ctx context.Context, cmd models.Command,
	exec func(context.Context, pgx.Tx, models.Command) (models.Mutation, error)) (models.OutboxEvent, error) {
	if err, ok := a.failFor[cmd.ID]; ok {
		return models.OutboxEvent{}, err
	}
	if _, err := exec(ctx, nil, cmd); err != nil {
		return models.OutboxEvent{}, err
	}
	a.applied = append(a.applied, cmd.ID)
	return models.OutboxEvent{ID: uuid.New()}, nil
}

type fakeNotifier struct {
	updating  []uuid.UUID
	completed []uuid.UUID
	failed    []uuid.UUID
}

func (n *fakeNotifier) NotifyUpdating(_ context.Context, cmd models.Command) {
	n.updating = append(n.updating, cmd.ID)
}

func (n *fakeNotifier) NotifyCompleted(_ context.Context, cmd models.Command) {
	n.completed = append(n.completed, cmd.ID)
}

func (n *fakeNotifier) NotifyFailed(_ context.Context, cmd models.Command, _ string) {
	n.failed = append(n.failed, cmd.ID)
}

type fakeAlerter struct {
	alerts []models.Command
}

func (a *fakeAlerter) CommandDeadLettered(_ context.Context, cmd models.Command, _ string) error {
	a.alerts = append(a.alerts, cmd)
	return nil
}

func testCommand(entityID string) models.Command {
	return models.Command{
		ID:            uuid.New(),
		OperationID:   "op-" + entityID,
		TenantID:      "tenant-a",
		EntityType:    "Invoice",
		EntityID:      entityID,
		Operation:     models.OpUpdate,
		Payload:       []byte(`{"amount": 42}`),
		Priority:      models.PriorityNormal,
		Status:        models.CommandProcessing,
		MaxRetries:    3,
		CorrelationID: "corr-" + entityID,
	}
}

func newTestWorker(q *fakeQueue, l *fakeLocks, a *fakeApplier, n *fakeNotifier, clock fakeClock) *Worker {
	opts := Options{
		BatchSize:    10,
		PollInterval: time.Millisecond,
		LockTTL:      5 * time.Minute,
		Retry:        RetryPolicy{Initial: 2 * time.Second, Multiplier: 2.0, Max: 5 * time.Minute},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(q, l, a, PayloadExecutor{}, n, opts, clock, logger)
}

func TestCycleProcessesBatchAndReleasesLocks(t *testing.T) {
	cmdA := testCommand("e-1")
	cmdB := testCommand("e-2")

	queue := &fakeQueue{commands: []models.Command{cmdA, cmdB}}
	locks := &fakeLocks{}
	applier := &fakeApplier{}
	notifier := &fakeNotifier{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: time.Now()})

	err := w.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{cmdA.ID, cmdB.ID}, applier.applied)
	assert.Equal(t, []string{"Invoice#e-1", "Invoice#e-2"}, locks.acquired)
	assert.Equal(t, []string{"Invoice#e-1", "Invoice#e-2"}, locks.released)
	assert.Equal(t, []uuid.UUID{cmdA.ID, cmdB.ID}, notifier.updating)
	assert.Equal(t, []uuid.UUID{cmdA.ID, cmdB.ID}, notifier.completed)
	assert.Empty(t, notifier.failed)
	assert.Empty(t, queue.rescheduled)
	assert.Empty(t, queue.deadLetters)
}

func TestCycleSkipsLockedEntityWithoutPenalty(t *testing.T) {
	cmd := testCommand("contended")

	queue := &fakeQueue{commands: []models.Command{cmd}}
	locks := &fakeLocks{heldBy: map[string]string{"Invoice#contended": "worker-other"}}
	applier := &fakeApplier{}
	notifier := &fakeNotifier{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: time.Now()})

	err := w.Cycle(context.Background())
	require.NoError(t, err)

	// Contention is not a failure: the command goes straight back to PENDING
	// with its retry budget untouched
	assert.Equal(t, []uuid.UUID{cmd.ID}, queue.returned)
	assert.Empty(t, queue.rescheduled)
	assert.Empty(t, queue.deadLetters)
	assert.Empty(t, applier.applied)
	assert.Empty(t, notifier.updating)
	assert.Empty(t, locks.errored)
}

func TestCycleFailureIsolatedToItsCommand(t *testing.T) {
	failing := testCommand("bad")
	healthy := testCommand("good")

	queue := &fakeQueue{commands: []models.Command{failing, healthy}}
	locks := &fakeLocks{}
	applier := &fakeApplier{failFor: map[uuid.UUID]error{failing.ID: errors.New("boom")}}
	notifier := &fakeNotifier{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: time.Now()})

	err := w.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{healthy.ID}, applier.applied)
	assert.Equal(t, []uuid.UUID{healthy.ID}, notifier.completed)
	require.Len(t, queue.rescheduled, 1)
	assert.Equal(t, failing.ID, queue.rescheduled[0].id)
	assert.Equal(t, []string{"Invoice#bad"}, locks.errored)
}

func TestFailureRescheduledWithExponentialBackoff(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	cmd := testCommand("retry-me")
	cmd.RetryCount = 1 // second attempt failing now

	queue := &fakeQueue{commands: []models.Command{cmd}}
	locks := &fakeLocks{}
	applier := &fakeApplier{failFor: map[uuid.UUID]error{cmd.ID: errors.New("downstream timeout")}}
	notifier := &fakeNotifier{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: now})

	require.NoError(t, w.Cycle(context.Background()))

	require.Len(t, queue.rescheduled, 1)
	call := queue.rescheduled[0]
	assert.Equal(t, 2, call.retryCount)
	assert.Equal(t, "downstream timeout", call.errMsg)
	// retryCount 2 with initial 2s and multiplier 2 gives a 4s delay
	assert.Equal(t, now.Add(4*time.Second), call.availableAt)
	assert.Equal(t, []uuid.UUID{cmd.ID}, notifier.failed)
}

func TestFailureAtRetryBudgetMovesToDLQ(t *testing.T) {
	cmd := testCommand("doomed")
	cmd.RetryCount = 2
	cmd.MaxRetries = 3

	queue := &fakeQueue{commands: []models.Command{cmd}}
	locks := &fakeLocks{}
	applier := &fakeApplier{failFor: map[uuid.UUID]error{cmd.ID: errors.New("permanent failure")}}
	notifier := &fakeNotifier{}
	alerter := &fakeAlerter{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: time.Now()}).WithAlerter(alerter)

	require.NoError(t, w.Cycle(context.Background()))

	// Dead-letters exactly when retryCount reaches maxRetries
	require.Len(t, queue.deadLetters, 1)
	assert.Equal(t, cmd.ID, queue.deadLetters[0].id)
	assert.Equal(t, 3, queue.deadLetters[0].retryCount)
	assert.Equal(t, "permanent failure", queue.deadLetters[0].errMsg)
	assert.Empty(t, queue.rescheduled)

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, 3, alerter.alerts[0].RetryCount)

	assert.Equal(t, []uuid.UUID{cmd.ID}, notifier.failed)
	assert.Equal(t, []string{"Invoice#doomed"}, locks.errored)
}

func TestInvalidOperationFailsThroughRetryPath(t *testing.T) {
	cmd := testCommand("typo")
	cmd.Operation = "UPSERT"

	queue := &fakeQueue{commands: []models.Command{cmd}}
	locks := &fakeLocks{}
	applier := &fakeApplier{}
	notifier := &fakeNotifier{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: time.Now()})

	require.NoError(t, w.Cycle(context.Background()))

	require.Len(t, queue.rescheduled, 1)
	assert.Contains(t, queue.rescheduled[0].errMsg, "unsupported operation")
	assert.Empty(t, applier.applied)
}

func TestCycleReturnsClaimsOnShutdown(t *testing.T) {
	cmdA := testCommand("e-1")
	cmdB := testCommand("e-2")

	queue := &fakeQueue{commands: []models.Command{cmdA, cmdB}}
	locks := &fakeLocks{}
	applier := &fakeApplier{}
	notifier := &fakeNotifier{}
	w := newTestWorker(queue, locks, applier, notifier, fakeClock{now: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The loop context is dead; the hand-back must still reach the store or
	// the claims would sit in PROCESSING until the reaper's stale sweep
	err := w.Cycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []uuid.UUID{cmdA.ID, cmdB.ID}, queue.returned)
	assert.Empty(t, applier.applied)
}

func TestNilNotifierDefaultsToNop(t *testing.T) {
	cmd := testCommand("quiet")

	queue := &fakeQueue{commands: []models.Command{cmd}}
	opts := Options{
		BatchSize:    10,
		PollInterval: time.Millisecond,
		LockTTL:      5 * time.Minute,
		Retry:        RetryPolicy{Initial: time.Second, Multiplier: 2.0, Max: time.Minute},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(queue, &fakeLocks{}, &fakeApplier{}, PayloadExecutor{}, nil, opts, fakeClock{now: time.Now()}, logger)

	require.NoError(t, w.Cycle(context.Background()))
}

func TestCyclePropagatesClaimError(t *testing.T) {
	queue := &fakeQueue{claimErr: errors.New("connection refused")}
	w := newTestWorker(queue, &fakeLocks{}, &fakeApplier{}, &fakeNotifier{}, fakeClock{now: time.Now()})

	err := w.Cycle(context.Background())
	assert.ErrorContains(t, err, "claim failure")
}

func TestWorkerIDIsStablePerInstance(t *testing.T) {
	w := newTestWorker(&fakeQueue{}, &fakeLocks{}, &fakeApplier{}, &fakeNotifier{}, fakeClock{now: time.Now()})

	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, w.ID())
	assert.Equal(t, w.ID(), w.ID())
}
