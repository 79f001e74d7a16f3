package mailqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeTransport records messages and fails or panics for chosen recipients.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []Message
	calls    int
	fail     map[string]error
	panicFor string
	onSend   func(msg Message)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]error)}
}

func (f *fakeTransport) Send(_ context.Context, msg Message) (string, error) {
	f.mu.Lock()
	f.calls++
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	if msg.To == f.panicFor {
		panic("connection reset")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[msg.To]; ok {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "<" + msg.To + "@test>", nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type mockAlerter struct {
	mock.Mock
}

func (m *mockAlerter) ItemExhausted(ctx context.Context, item domain.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// failingRepository fails every read.
type failingRepository struct {
	MemoryRepository
}

func (r *failingRepository) List(_ context.Context) ([]domain.QueueItem, error) {
	return nil, errors.New("decode queue file: unexpected end of JSON input")
}

// rerunRepository runs every patch once against a discarded copy, lets
// between change the stored item, then applies the patch for real. This is
// what an optimistic transaction does when it loses a race.
type rerunRepository struct {
	*MemoryRepository
	between func(ctx context.Context, id string)
}

func (r *rerunRepository) Update(ctx context.Context, id string, patch Patch) error {
	snapshot, err := r.MemoryRepository.Get(ctx, id)
	if err != nil {
		return err
	}
	patch(snapshot)

	if r.between != nil {
		r.between(ctx, id)
	}
	return r.MemoryRepository.Update(ctx, id, patch)
}

func newPendingItem(id, recipient string, offset time.Duration) *domain.QueueItem {
	return &domain.QueueItem{
		ID:          id,
		Recipient:   recipient,
		Subject:     "Demo request",
		TextBody:    "Hello",
		Status:      domain.QueueStatusPending,
		MaxAttempts: 3,
		CreatedAt:   testNow.Add(offset),
	}
}

func seedStore(t *testing.T, items ...*domain.QueueItem) *Store {
	t.Helper()
	store := NewStore(NewMemoryRepository())
	for _, it := range items {
		require.NoError(t, store.Append(context.Background(), it))
	}
	return store
}

func mustGet(t *testing.T, store *Store, id string) *domain.QueueItem {
	t.Helper()
	item, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestProcessor_Success(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "admin@example.com", 0))
	transport := newFakeTransport()
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)

	item := mustGet(t, store, "a")
	assert.Equal(t, domain.QueueStatusSent, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "<admin@example.com@test>", item.MessageID)
	require.NotNil(t, item.SentAt)
	assert.True(t, item.SentAt.Equal(testNow))
	require.NotNil(t, item.LastAttemptAt)
	assert.Nil(t, item.NextRetryAt)
	assert.Empty(t, item.Error)
}

func TestProcessor_FailureSchedulesRetry(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "admin@example.com", 0))
	transport := newFakeTransport()
	transport.fail["admin@example.com"] = errors.New("421 service not available")
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)

	item := mustGet(t, store, "a")
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "421 service not available", item.Error)
	require.NotNil(t, item.NextRetryAt)
	assert.True(t, item.NextRetryAt.Equal(testNow.Add(time.Minute)))
	assert.False(t, item.IsTerminal())
}

func TestProcessor_RetryUntilExhausted(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "admin@example.com", 0))
	transport := newFakeTransport()
	transport.fail["admin@example.com"] = errors.New("dial tcp: connection refused")

	alerter := &mockAlerter{}
	alerter.On("ItemExhausted", mock.Anything, mock.MatchedBy(func(it domain.QueueItem) bool {
		return it.ID == "a" && it.Attempts == 3
	})).Return(nil).Once()

	clock := testNow
	p := NewProcessor(store, transport, DefaultRetryPolicy(),
		WithClock(func() time.Time { return clock }),
		WithAlerter(alerter),
	)
	ctx := context.Background()

	res, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	// Not yet due.
	clock = testNow.Add(30 * time.Second)
	res, err = p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 1, transport.Calls())

	clock = testNow.Add(time.Minute)
	res, err = p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	item := mustGet(t, store, "a")
	assert.Equal(t, 2, item.Attempts)
	require.NotNil(t, item.NextRetryAt)
	assert.True(t, item.NextRetryAt.Equal(clock.Add(2*time.Minute)))

	clock = testNow.Add(3 * time.Minute)
	res, err = p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	item = mustGet(t, store, "a")
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Nil(t, item.NextRetryAt)
	assert.True(t, item.IsTerminal())

	// Exhausted items are never attempted again.
	clock = testNow.Add(48 * time.Hour)
	res, err = p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 3, transport.Calls())

	alerter.AssertExpectations(t)
}

func TestProcessor_SingleAttemptExhaustsImmediately(t *testing.T) {
	it := newPendingItem("a", "admin@example.com", 0)
	it.MaxAttempts = 1
	store := seedStore(t, it)
	transport := newFakeTransport()
	transport.fail["admin@example.com"] = errors.New("550 mailbox unavailable")
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	_, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)

	item := mustGet(t, store, "a")
	assert.Equal(t, 1, item.Attempts)
	assert.Nil(t, item.NextRetryAt)
	assert.True(t, item.IsTerminal())
}

func TestProcessor_ItemFailuresAreIsolated(t *testing.T) {
	store := seedStore(t,
		newPendingItem("a", "one@example.com", 0),
		newPendingItem("b", "two@example.com", time.Second),
		newPendingItem("c", "three@example.com", 2*time.Second),
	)
	transport := newFakeTransport()
	transport.fail["two@example.com"] = errors.New("452 too many recipients")
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 3, Succeeded: 2, Failed: 1}, res)

	assert.Equal(t, domain.QueueStatusSent, mustGet(t, store, "a").Status)
	assert.Equal(t, domain.QueueStatusFailed, mustGet(t, store, "b").Status)
	assert.Equal(t, domain.QueueStatusSent, mustGet(t, store, "c").Status)

	require.Len(t, transport.sent, 2)
	assert.Equal(t, "one@example.com", transport.sent[0].To)
	assert.Equal(t, "three@example.com", transport.sent[1].To)
}

func TestProcessor_TransportPanicIsContained(t *testing.T) {
	store := seedStore(t,
		newPendingItem("a", "one@example.com", 0),
		newPendingItem("b", "two@example.com", time.Second),
	)
	transport := newFakeTransport()
	transport.panicFor = "one@example.com"
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2, Succeeded: 1, Failed: 1}, res)

	item := mustGet(t, store, "a")
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Contains(t, item.Error, "transport panic")
	assert.Equal(t, domain.QueueStatusSent, mustGet(t, store, "b").Status)
}

func TestProcessor_NothingEligible(t *testing.T) {
	sentAt := testNow.Add(-time.Hour)
	sent := newPendingItem("a", "one@example.com", 0)
	sent.Status = domain.QueueStatusSent
	sent.Attempts = 1
	sent.SentAt = &sentAt

	next := testNow.Add(time.Hour)
	waiting := newPendingItem("b", "two@example.com", time.Second)
	waiting.Status = domain.QueueStatusFailed
	waiting.Attempts = 1
	waiting.NextRetryAt = &next

	store := seedStore(t, sent, waiting)
	transport := newFakeTransport()
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, transport.Calls())

	got := mustGet(t, store, "a")
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, domain.QueueStatusSent, got.Status)
}

func TestProcessor_EmptyQueue(t *testing.T) {
	p := NewProcessor(NewStore(NewMemoryRepository()), newFakeTransport(), DefaultRetryPolicy())

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestProcessor_UnreadableStoreIsEmpty(t *testing.T) {
	store := NewStore(&failingRepository{})
	transport := newFakeTransport()
	p := NewProcessor(store, transport, DefaultRetryPolicy())

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, transport.Calls())
}

func TestProcessor_CancelStopsBetweenItems(t *testing.T) {
	store := seedStore(t,
		newPendingItem("a", "one@example.com", 0),
		newPendingItem("b", "two@example.com", time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	transport.onSend = func(Message) { cancel() }
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)

	second := mustGet(t, store, "b")
	assert.Equal(t, domain.QueueStatusPending, second.Status)
	assert.Zero(t, second.Attempts)
	assert.True(t, second.IsEligible(testNow))
}

func TestProcessor_TerminalItemIsNotOverwritten(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "one@example.com", 0))
	transport := newFakeTransport()
	transport.fail["one@example.com"] = errors.New("timeout")
	// Another writer completes the item while the send is in flight.
	transport.onSend = func(Message) {
		require.NoError(t, store.Update(context.Background(), "a", func(it *domain.QueueItem) {
			it.Status = domain.QueueStatusSent
			it.MessageID = "<other@writer>"
		}))
	}
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	item := mustGet(t, store, "a")
	assert.Equal(t, domain.QueueStatusSent, item.Status)
	assert.Equal(t, "<other@writer>", item.MessageID)
	assert.Zero(t, item.Attempts)
	assert.Empty(t, item.Error)
}

func TestProcessor_ItemRemovedDuringDelivery(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "one@example.com", 0))
	transport := newFakeTransport()
	transport.onSend = func(Message) {
		_, err := store.Remove(context.Background(), "a")
		require.NoError(t, err)
	}
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)
	assert.Empty(t, store.ListAll(context.Background()))
}

func TestProcessor_ConcurrentPassesDoNotDoubleSend(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "one@example.com", 0))
	transport := newFakeTransport()
	p := NewProcessor(store, transport, DefaultRetryPolicy(), WithClock(func() time.Time { return testNow }))

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.ProcessQueue(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Processed
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, transport.Calls())
}

func TestProcessor_ClassifierDoesNotChangeRetry(t *testing.T) {
	store := seedStore(t, newPendingItem("a", "one@example.com", 0))
	transport := newFakeTransport()
	transport.fail["one@example.com"] = errors.New("550 no such user")

	var classified []string
	p := NewProcessor(store, transport, DefaultRetryPolicy(),
		WithClock(func() time.Time { return testNow }),
		WithErrorClassifier(func(err error) string {
			classified = append(classified, err.Error())
			return "permanent"
		}),
	)

	_, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"550 no such user"}, classified)
	item := mustGet(t, store, "a")
	require.NotNil(t, item.NextRetryAt)
	assert.False(t, item.IsTerminal())
}

func TestProcessor_AlertErrorIsLoggedOnly(t *testing.T) {
	it := newPendingItem("a", "one@example.com", 0)
	it.MaxAttempts = 1
	store := seedStore(t, it)
	transport := newFakeTransport()
	transport.fail["one@example.com"] = errors.New("boom")

	alerter := &mockAlerter{}
	alerter.On("ItemExhausted", mock.Anything, mock.Anything).Return(errors.New("webhook down")).Once()

	p := NewProcessor(store, transport, DefaultRetryPolicy(),
		WithClock(func() time.Time { return testNow }),
		WithAlerter(alerter),
	)

	res, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
	alerter.AssertExpectations(t)
}

func TestProcessor_RerunPatchSeesConcurrentSend(t *testing.T) {
	ctx := context.Background()
	repo := &rerunRepository{MemoryRepository: NewMemoryRepository()}
	repo.between = func(ctx context.Context, id string) {
		err := repo.MemoryRepository.Update(ctx, id, func(it *domain.QueueItem) {
			sentAt := testNow
			it.Status = domain.QueueStatusSent
			it.Attempts = 1
			it.SentAt = &sentAt
			it.MessageID = "<other-writer@test>"
		})
		require.NoError(t, err)
	}

	store := NewStore(repo)
	it := newPendingItem("a", "one@example.com", 0)
	it.MaxAttempts = 1
	require.NoError(t, store.Append(ctx, it))

	transport := newFakeTransport()
	transport.fail["one@example.com"] = errors.New("421 service not available")
	alerter := &mockAlerter{}

	p := NewProcessor(store, transport, DefaultRetryPolicy(),
		WithClock(func() time.Time { return testNow }),
		WithAlerter(alerter),
	)

	res, err := p.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	item := mustGet(t, store, "a")
	assert.Equal(t, domain.QueueStatusSent, item.Status)
	assert.Equal(t, "<other-writer@test>", item.MessageID)
	assert.Empty(t, item.Error)
	alerter.AssertNotCalled(t, "ItemExhausted", mock.Anything, mock.Anything)
}

func TestMessageFromItem(t *testing.T) {
	tests := []struct {
		name        string
		metadata    *domain.SenderMetadata
		expectReply string
	}{
		{"no metadata", nil, ""},
		{"visitor email", &domain.SenderMetadata{Name: "Ayşe", Email: "ayse@example.org"}, "ayse@example.org"},
		{"metadata without email", &domain.SenderMetadata{Name: "Ayşe", Phone: "+90 555"}, ""},
		{"sender is recipient", &domain.SenderMetadata{Email: "Admin@Example.com"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := newPendingItem("a", "admin@example.com", 0)
			item.HTMLBody = "<p>Hello</p>"
			item.SenderMetadata = tt.metadata

			msg := MessageFromItem(item)
			assert.Equal(t, "admin@example.com", msg.To)
			assert.Equal(t, "Demo request", msg.Subject)
			assert.Equal(t, "<p>Hello</p>", msg.HTMLBody)
			assert.Equal(t, "Hello", msg.TextBody)
			assert.Equal(t, tt.expectReply, msg.ReplyTo)
		})
	}
}
