package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/notify"
	"github.com/example/court-scheduler/internal/store"
)

type fakeSession struct{ staged bool }

func (s *fakeSession) Staged() bool { return s.staged }

// fakeProvider scripts portal behavior per slot choice.
type fakeProvider struct {
	mu sync.Mutex

	prepareErrs int // first N Prepare calls fail
	prepareGate chan struct{}

	commitResults map[string]booking.CommitResult
	commitErrs    map[string]int // transient errors per choice before success
	verifyResults []booking.VerifyResult

	prepareCalls int
	commitCalls  []string
	verifyCalls  int
	releaseCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		commitResults: make(map[string]booking.CommitResult),
		commitErrs:    make(map[string]int),
	}
}

func (p *fakeProvider) Prepare(ctx context.Context, _ time.Time) (booking.Session, error) {
	if p.prepareGate != nil {
		select {
		case <-p.prepareGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepareCalls++
	if p.prepareErrs > 0 {
		p.prepareErrs--
		return nil, errors.New("portal down")
	}
	return &fakeSession{staged: true}, nil
}

func (p *fakeProvider) Commit(_ context.Context, _ booking.Session, choice string) (booking.CommitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commitCalls = append(p.commitCalls, choice)
	if n := p.commitErrs[choice]; n > 0 {
		p.commitErrs[choice] = n - 1
		return booking.CommitResult{}, errors.New("portal 502")
	}
	res, ok := p.commitResults[choice]
	if !ok {
		return booking.CommitResult{Status: booking.CommitUnavailable}, nil
	}
	return res, nil
}

func (p *fakeProvider) Verify(context.Context, booking.Session) (booking.VerifyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyCalls < len(p.verifyResults) {
		res := p.verifyResults[p.verifyCalls]
		p.verifyCalls++
		return res, nil
	}
	p.verifyCalls++
	return booking.VerifyResult{Confirmed: true}, nil
}

func (p *fakeProvider) Release(booking.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseCalls++
}

func (p *fakeProvider) commits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commitCalls...)
}

type recordingNotifier struct {
	events chan notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan notify.Event, 8)}
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.events <- ev
	return nil
}

func (n *recordingNotifier) wait(t *testing.T) notify.Event {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return notify.Event{}
	}
}

// pastWindow makes CommitAt land far in the past so the ARMED sleep is a
// no-op and tests run instantly.
func pastWindow() booking.Window {
	return booking.Window{Days: 365, Lead: 0, Location: time.UTC}
}

func fastConfig() Config {
	return Config{
		PrepareBackoff:    time.Millisecond,
		PrepareBackoffCap: 2 * time.Millisecond,
		CommitRetries:     2,
		CommitRetryDelay:  time.Millisecond,
		VerifyRetries:     1,
	}
}

func scheduledRequest(t *testing.T, st store.Store, fallback string) booking.Request {
	t.Helper()
	req, err := booking.NewRequest(time.Now().AddDate(0, 0, 30), "19:00", fallback, time.Now())
	require.NoError(t, err)
	req.Status = booking.StatusScheduled
	req.ExecuteAt = time.Now()
	created, err := st.Create(context.Background(), req)
	require.NoError(t, err)
	return created
}

func phases(t *testing.T, st store.Store, req booking.Request) []booking.Phase {
	t.Helper()
	entries, err := st.AuditLog(context.Background(), req.ID)
	require.NoError(t, err)
	out := make([]booking.Phase, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Phase)
	}
	return out
}

func TestExecutePrimaryBooked(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.commitResults["19:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 3"}
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "20:00")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusBooked, got.Status)
	assert.Equal(t, booking.ChoicePrimary, got.ResultChoice)
	assert.Equal(t, "Court 3", got.ResultLabel)

	assert.Equal(t, []string{"19:00"}, provider.commits())
	assert.Equal(t, []booking.Phase{
		booking.PhaseWake, booking.PhasePrepare, booking.PhaseArmed,
		booking.PhaseCommitPrimary, booking.PhaseVerify, booking.PhaseRelease,
	}, phases(t, st, req))

	ev := notifier.wait(t)
	assert.Equal(t, notify.OutcomeBooked, ev.Outcome)
	assert.Equal(t, "19:00", ev.SlotTime)
	assert.Equal(t, "Court 3", ev.CourtName)
}

func TestExecuteFallbackBooked(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.commitResults["20:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 1"}
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "20:00")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusBooked, got.Status)
	assert.Equal(t, booking.ChoiceFallback, got.ResultChoice)
	assert.Equal(t, "Court 1", got.ResultLabel)

	assert.Equal(t, []string{"19:00", "20:00"}, provider.commits())
	assert.Contains(t, phases(t, st, req), booking.PhaseCommitFallback)

	ev := notifier.wait(t)
	assert.Equal(t, notify.OutcomeBooked, ev.Outcome)
	assert.Equal(t, "20:00", ev.SlotTime)
}

func TestExecuteNoAvailability(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider() // no slots scripted: everything unavailable
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "20:00")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusFailed, got.Status)
	assert.Equal(t, booking.DetailNoAvailability, got.ErrorDetail)

	assert.Equal(t, []string{"19:00", "20:00"}, provider.commits())
	assert.Equal(t, notify.OutcomeNoAvailability, notifier.wait(t).Outcome)
}

func TestExecuteNoAvailabilityWithoutFallback(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusFailed, got.Status)
	assert.Equal(t, booking.DetailNoAvailability, got.ErrorDetail)
	assert.Equal(t, []string{"19:00"}, provider.commits())
}

// A commit that cannot be confirmed must end FAILED, never silently BOOKED.
func TestExecuteUnverified(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.commitResults["19:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 3"}
	provider.verifyResults = []booking.VerifyResult{{Confirmed: false}, {Confirmed: false}}
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusFailed, got.Status)
	assert.Equal(t, booking.DetailUnverified, got.ErrorDetail)
	assert.Equal(t, notify.OutcomeFailed, notifier.wait(t).Outcome)
}

func TestExecuteCommitRetriesTransientErrors(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.commitErrs["19:00"] = 2
	provider.commitResults["19:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 2"}
	e := New(st, provider, newRecordingNotifier(), pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusBooked, got.Status)
	assert.Equal(t, []string{"19:00", "19:00", "19:00"}, provider.commits())
}

func TestExecuteCommitRetriesExhausted(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.commitErrs["19:00"] = 10
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusFailed, got.Status)
	assert.Equal(t, notify.OutcomeFailed, notifier.wait(t).Outcome)
}

// Staging failed ahead of the window; the engine retries just in time at
// the commit instant instead of giving up.
func TestExecuteJustInTimePrepare(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.prepareErrs = 1
	provider.commitResults["19:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 4"}
	e := New(st, provider, newRecordingNotifier(), pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusBooked, got.Status)
	assert.Equal(t, 2, provider.prepareCalls)
}

func TestExecuteJustInTimePrepareFails(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.prepareErrs = 10
	notifier := newRecordingNotifier()
	e := New(st, provider, notifier, pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	e.Execute(context.Background(), req.ID)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusFailed, got.Status)
	assert.Empty(t, provider.commits())
	assert.Equal(t, notify.OutcomeFailed, notifier.wait(t).Outcome)
}

// Only one of two concurrent triggers may win the claim; the portal sees a
// single commit.
func TestExecuteExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.commitResults["19:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 3"}
	e := New(st, provider, newRecordingNotifier(), pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Execute(context.Background(), req.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"19:00"}, provider.commits())
	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusBooked, got.Status)
}

// Cancelling while the engine is staging must stop it at the next phase
// boundary: the portal never sees a commit.
func TestExecuteCancelledBeforeCommit(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.prepareGate = make(chan struct{})
	provider.commitResults["19:00"] = booking.CommitResult{Status: booking.CommitBooked, Label: "Court 3"}
	e := New(st, provider, newRecordingNotifier(), pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), req.ID)
	}()

	// Wait for the claim, then cancel while Prepare is blocked.
	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), req.ID)
		return err == nil && got.Status == booking.StatusExecuting
	}, 2*time.Second, 5*time.Millisecond)
	_, err := st.UpdateStatus(context.Background(), req.ID, booking.StatusExecuting, booking.StatusCancelled, store.Fields{})
	require.NoError(t, err)
	close(provider.prepareGate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not return")
	}

	assert.Empty(t, provider.commits())
	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, got.Status)
}

// A trigger for an already cancelled request is a no-op.
func TestExecuteCancelledBeforeClaim(t *testing.T) {
	st := store.NewMemory()
	provider := newFakeProvider()
	e := New(st, provider, newRecordingNotifier(), pastWindow(), fastConfig(), nil)

	req := scheduledRequest(t, st, "")
	_, err := st.UpdateStatus(context.Background(), req.ID, booking.StatusScheduled, booking.StatusCancelled, store.Fields{})
	require.NoError(t, err)

	e.Execute(context.Background(), req.ID)

	assert.Empty(t, provider.commits())
	assert.Zero(t, provider.prepareCalls)
}
