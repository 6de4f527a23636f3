package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// flakyStore fails the named operations until they are cleared.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures map[string]error
}

func newFlakyStore(t *testing.T, services ...models.ServiceType) *flakyStore {
	t.Helper()
	st := &flakyStore{Store: memory.New(), failures: make(map[string]error)}
	for _, svc := range services {
		require.NoError(t, st.AddServiceType(context.Background(), svc))
	}
	return st
}

func (f *flakyStore) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

func (f *flakyStore) failure(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[op]
}

func (f *flakyStore) ListServiceTypes(ctx context.Context) ([]models.ServiceType, error) {
	if err := f.failure("ListServiceTypes"); err != nil {
		return nil, err
	}
	return f.Store.ListServiceTypes(ctx)
}

func (f *flakyStore) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if err := f.failure("ListTickets"); err != nil {
		return nil, err
	}
	return f.Store.ListTickets(ctx, filter)
}

func (f *flakyStore) SaveTicket(ctx context.Context, ticket models.Ticket) error {
	if err := f.failure("SaveTicket"); err != nil {
		return err
	}
	return f.Store.SaveTicket(ctx, ticket)
}

func (f *flakyStore) UpdateTicketStatus(ctx context.Context, ticketNumber string, status models.Status, agentID *string) error {
	if err := f.failure("UpdateTicketStatus"); err != nil {
		return err
	}
	return f.Store.UpdateTicketStatus(ctx, ticketNumber, status, agentID)
}

func (f *flakyStore) UpdateTicketPriority(ctx context.Context, ticketNumber string, reason models.PriorityReason) (bool, error) {
	if err := f.failure("UpdateTicketPriority"); err != nil {
		return false, err
	}
	return f.Store.UpdateTicketPriority(ctx, ticketNumber, reason)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) QueueUpdated(update Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *recorder) kinds() []UpdateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UpdateKind, 0, len(r.updates))
	for _, update := range r.updates {
		out = append(out, update.Kind)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}

var (
	renewal = models.ServiceType{Key: "RENEWAL", DisplayName: "License Renewal"}
	payment = models.ServiceType{Key: "PAYMENT", DisplayName: "Payments"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, st store.TicketStore, clock *testClock) *Engine {
	t.Helper()
	engine, err := New(context.Background(), st, Options{Logger: discardLogger(), Clock: clock.Now})
	require.NoError(t, err)
	return engine
}

func TestGenerateTicketContinuesStoredSequence(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal, payment)
	require.NoError(t, st.SaveTicket(ctx, *models.NewTicket("REN-0041", renewal, "", models.PriorityNone, time.Now().UTC())))
	engine := newTestEngine(t, st, newTestClock())

	first, err := engine.GenerateTicket(ctx, "renewal", "  ", "")
	require.NoError(t, err)
	second, err := engine.GenerateTicket(ctx, "PAYMENT", "Lea", models.PriorityPregnant)
	require.NoError(t, err)

	assert.Equal(t, "REN-0042", first.TicketNumber)
	assert.Equal(t, models.DefaultCustomerName, first.CustomerName)
	assert.Equal(t, models.StatusWaiting, first.Status)
	assert.Equal(t, "PAY-0043", second.TicketNumber)
	assert.Equal(t, models.ElevatedPriority, second.Priority)

	stored, ok := st.Ticket("PAY-0043")
	require.True(t, ok)
	assert.Equal(t, models.PriorityPregnant, stored.PriorityReason)
	assert.Equal(t, 2, engine.WaitingCount("RENEWAL"))
	assert.Equal(t, 3, engine.TotalWaitingCount())
}

func TestGenerateTicketRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFlakyStore(t, renewal), newTestClock())

	_, err := engine.GenerateTicket(ctx, " ", "", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = engine.GenerateTicket(ctx, "RENEWAL", "", "VIP")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = engine.GenerateTicket(ctx, "CLAIMS", "", "")
	assert.ErrorIs(t, err, ErrUnknownServiceType)
	assert.Equal(t, 0, engine.TotalWaitingCount())
}

func TestGenerateTicketAbsorbsServiceTypeAddedElsewhere(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())
	require.NoError(t, st.AddServiceType(ctx, models.ServiceType{Key: "CLAIMS", DisplayName: "Claims"}))

	ticket, err := engine.GenerateTicket(ctx, "claims", "", "")
	require.NoError(t, err)
	assert.Equal(t, "CLA-0001", ticket.TicketNumber)
	assert.Len(t, engine.AvailableServiceTypes(), 2)
}

func TestCallNextHonorsPriorityThenIssueTime(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine := newTestEngine(t, newFlakyStore(t, renewal), clock)

	var numbers []string
	for _, reason := range []models.PriorityReason{models.PriorityNone, models.PrioritySeniorCitizen, models.PriorityNone, models.PriorityPWD} {
		ticket, err := engine.GenerateTicket(ctx, "RENEWAL", "", reason)
		require.NoError(t, err)
		numbers = append(numbers, ticket.TicketNumber)
		clock.Advance(time.Second)
	}

	snapshot := engine.QueueSnapshot("RENEWAL")
	require.Len(t, snapshot, 4)
	assert.Equal(t, []string{numbers[1], numbers[3], numbers[0], numbers[2]}, ticketNumbers(snapshot))

	var called []string
	for i := 0; i < 4; i++ {
		agent := fmt.Sprintf("agent%d", i)
		ticket, err := engine.CallNext(ctx, "RENEWAL", agent)
		require.NoError(t, err)
		assert.Equal(t, models.StatusServing, ticket.Status)
		assert.Equal(t, agent, ticket.Agent())
		require.NotNil(t, ticket.CallTime)
		called = append(called, ticket.TicketNumber)
	}
	assert.Equal(t, ticketNumbers(snapshot), called)
}

func TestCallNextErrors(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFlakyStore(t, renewal, payment), newTestClock())
	events := &recorder{}
	engine.Subscribe(events)

	_, err := engine.CallNext(ctx, "RENEWAL", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = engine.CallNext(ctx, "RENEWAL", "agent1")
	assert.ErrorIs(t, err, ErrNoTicketAvailable)
	assert.Equal(t, []UpdateKind{UpdateQueueEmpty}, events.kinds())

	_, err = engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	_, err = engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	serving, err := engine.CallNext(ctx, "RENEWAL", "agent1")
	require.NoError(t, err)

	_, err = engine.CallNext(ctx, "RENEWAL", "agent1")
	assert.ErrorIs(t, err, ErrAgentBusy)
	assert.Equal(t, 1, engine.WaitingCount("RENEWAL"))

	// A busy agent cannot pull from another service either.
	_, err = engine.GenerateTicket(ctx, "PAYMENT", "", "")
	require.NoError(t, err)
	_, err = engine.CallNext(ctx, "PAYMENT", "agent1")
	assert.ErrorIs(t, err, ErrAgentBusy)
	assert.Equal(t, 1, engine.WaitingCount("PAYMENT"))
	bound, ok := engine.TicketBeingServedBy("agent1")
	require.True(t, ok)
	assert.Equal(t, serving.TicketNumber, bound.TicketNumber)

	_, err = engine.CallNext(ctx, "UNKNOWN", "agent2")
	assert.ErrorIs(t, err, ErrNoTicketAvailable)
}

func TestConcurrentCallNextNeverDispatchesTwice(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFlakyStore(t, renewal), newTestClock())
	const tickets = 40
	for i := 0; i < tickets; i++ {
		_, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		called = make(map[string]string)
		empty  int
	)
	for i := 0; i < tickets+10; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			ticket, err := engine.CallNext(ctx, "RENEWAL", agent)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNoTicketAvailable) {
				empty++
				return
			}
			if err != nil {
				t.Errorf("call next: %v", err)
				return
			}
			if previous, dup := called[ticket.TicketNumber]; dup {
				t.Errorf("ticket %s dispatched to %s and %s", ticket.TicketNumber, previous, agent)
			}
			called[ticket.TicketNumber] = agent
		}(fmt.Sprintf("agent%02d", i))
	}
	wg.Wait()

	assert.Len(t, called, tickets)
	assert.Equal(t, 10, empty)
	assert.Equal(t, 0, engine.WaitingCount("RENEWAL"))
}

func TestServiceLifecycleStampsMonotonicTimes(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, clock)
	events := &recorder{}
	engine.Subscribe(events)

	prompted := make(chan string, 1)
	engine.SetFeedbackPrompt(func(ticketNumber string) error {
		prompted <- ticketNumber
		return nil
	})

	generated, err := engine.GenerateTicket(ctx, "RENEWAL", "Ana", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = engine.CallNext(ctx, "RENEWAL", "agent1")
	require.NoError(t, err)

	serving, ok := engine.CurrentlyServing("renewal")
	require.True(t, ok)
	assert.Equal(t, generated.TicketNumber, serving.TicketNumber)

	clock.Advance(time.Minute)
	started, ok, err := engine.StartService(ctx, "agent1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, started.ServiceStartTime)

	_, ok, err = engine.StartService(ctx, "agent1")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(3 * time.Minute)
	completed, err := engine.CompleteService(ctx, "agent1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assertMonotonic(t, completed)

	_, ok = engine.TicketBeingServedBy("agent1")
	assert.False(t, ok)
	stored, ok := st.Ticket(generated.TicketNumber)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ServiceEndTime)

	select {
	case number := <-prompted:
		assert.Equal(t, generated.TicketNumber, number)
	case <-time.After(time.Second):
		t.Fatal("feedback prompt not fired")
	}

	assert.Equal(t, []UpdateKind{
		UpdateTicketGenerated,
		UpdateTicketCalled,
		UpdateServiceStarted,
		UpdateServiceCompleted,
	}, events.kinds())
}

func TestCompleteServiceBackfillsMissingStart(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine := newTestEngine(t, newFlakyStore(t, renewal), clock)

	_, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	called, err := engine.CallNext(ctx, "RENEWAL", "agent1")
	require.NoError(t, err)

	// A clock stepping backwards must not produce an end before the start.
	clock.Advance(-time.Hour)
	completed, err := engine.CompleteService(ctx, "agent1")
	require.NoError(t, err)
	require.NotNil(t, completed.ServiceStartTime)
	assert.True(t, completed.ServiceStartTime.Equal(*called.CallTime))
	assertMonotonic(t, completed)
}

func TestCompleteServiceRequiresBinding(t *testing.T) {
	engine := newTestEngine(t, newFlakyStore(t, renewal), newTestClock())
	_, err := engine.CompleteService(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok, err := engine.StartService(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateTicketPriorityResorts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, clock)

	first, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)

	require.NoError(t, engine.UpdateTicketPriority(ctx, second.TicketNumber, models.PriorityPWD))
	snapshot := engine.QueueSnapshot("RENEWAL")
	assert.Equal(t, []string{second.TicketNumber, first.TicketNumber}, ticketNumbers(snapshot))
	assert.Equal(t, models.ElevatedPriority, snapshot[0].Priority)

	stored, _ := st.Ticket(second.TicketNumber)
	assert.Equal(t, models.PriorityPWD, stored.PriorityReason)

	err = engine.UpdateTicketPriority(ctx, "REN-9999", models.PriorityPWD)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTicketPriorityRevertsOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, clock)
	events := &recorder{}

	first, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	engine.Subscribe(events)

	st.failOn("UpdateTicketPriority", errStoreDown)
	err = engine.UpdateTicketPriority(ctx, second.TicketNumber, models.PrioritySeniorCitizen)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errStoreDown)

	snapshot := engine.QueueSnapshot("RENEWAL")
	require.Len(t, snapshot, 2)
	assert.Equal(t, []string{first.TicketNumber, second.TicketNumber}, ticketNumbers(snapshot))
	assert.Equal(t, models.PriorityNone, snapshot[1].PriorityReason)
	assert.Equal(t, []UpdateKind{UpdateTicketReprioritized}, events.kinds())
}

func TestCancelTicket(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())

	ticket, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)

	st.failOn("UpdateTicketStatus", errStoreDown)
	_, err = engine.CancelTicket(ctx, ticket.TicketNumber)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 1, engine.WaitingCount("RENEWAL"))

	st.failOn("UpdateTicketStatus", nil)
	cancelled, err := engine.CancelTicket(ctx, ticket.TicketNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, engine.WaitingCount("RENEWAL"))

	_, err = engine.CancelTicket(ctx, ticket.TicketNumber)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerateTicketKeepsQueuedTicketWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())

	st.failOn("SaveTicket", errStoreDown)
	ticket, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.Error(t, err)

	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, ticket.TicketNumber, persistErr.TicketNumber)
	assert.NotEmpty(t, ticket.TicketNumber)
	assert.Equal(t, 1, engine.WaitingCount("RENEWAL"))

	_, ok := st.Ticket(ticket.TicketNumber)
	assert.False(t, ok)
}

func TestNewRestoresWaitingTicketsAndBindings(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal, payment)
	issued := time.Date(2026, 3, 30, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveTicket(ctx, *models.NewTicket("REN-0003", renewal, "", models.PriorityNone, issued)))
	require.NoError(t, st.SaveTicket(ctx, *models.NewTicket("PAY-0004", payment, "", models.PriorityNone, issued)))
	agent := "agent9"
	require.NoError(t, st.Store.UpdateTicketStatus(ctx, "PAY-0004", models.StatusServing, &agent))

	engine := newTestEngine(t, st, newTestClock())
	assert.Equal(t, 1, engine.WaitingCount("RENEWAL"))
	bound, ok := engine.TicketBeingServedBy("agent9")
	require.True(t, ok)
	assert.Equal(t, "PAY-0004", bound.TicketNumber)

	_, err := engine.CallNext(ctx, "RENEWAL", "agent9")
	assert.ErrorIs(t, err, ErrAgentBusy)

	next, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	assert.Equal(t, "REN-0005", next.TicketNumber)
}

func TestNewFailsWhenStoreUnavailable(t *testing.T) {
	st := newFlakyStore(t, renewal)
	st.failOn("ListServiceTypes", errStoreDown)
	_, err := New(context.Background(), st, Options{Logger: discardLogger()})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestServicesConfigurationChangedRebuildsQueues(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())
	events := &recorder{}
	engine.Subscribe(events)

	ticket, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	require.NoError(t, st.AddServiceType(ctx, payment))
	require.NoError(t, st.UpdateServiceTypeDisplayName(ctx, "RENEWAL", "Renewals"))
	events.reset()

	require.NoError(t, engine.ServicesConfigurationChanged(ctx))
	services := engine.AvailableServiceTypes()
	require.Len(t, services, 2)
	assert.Equal(t, "PAYMENT", services[0].Key)
	assert.Equal(t, "Renewals", services[1].DisplayName)
	assert.Equal(t, []string{ticket.TicketNumber}, ticketNumbers(engine.QueueSnapshot("RENEWAL")))
	assert.Equal(t, []UpdateKind{UpdateServicesReloaded}, events.kinds())

	st.failOn("ListTickets", errStoreDown)
	assert.ErrorIs(t, engine.ServicesConfigurationChanged(ctx), ErrPersistence)
	assert.Len(t, engine.AvailableServiceTypes(), 2)
}

func TestQueriesReturnCopies(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFlakyStore(t, renewal), newTestClock())
	_, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)

	snapshot := engine.QueueSnapshot("RENEWAL")
	snapshot[0].Status = models.StatusCancelled
	assert.Equal(t, models.StatusWaiting, engine.QueueSnapshot("RENEWAL")[0].Status)
	assert.Empty(t, engine.QueueSnapshot("NOPE"))
	assert.Equal(t, 0, engine.WaitingCount("NOPE"))
}

func ticketNumbers(tickets []models.Ticket) []string {
	out := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		out = append(out, ticket.TicketNumber)
	}
	return out
}

func assertMonotonic(t *testing.T, ticket models.Ticket) {
	t.Helper()
	require.NotNil(t, ticket.CallTime)
	require.NotNil(t, ticket.ServiceStartTime)
	require.NotNil(t, ticket.ServiceEndTime)
	assert.False(t, ticket.CallTime.Before(ticket.IssueTime), "call before issue")
	assert.False(t, ticket.ServiceStartTime.Before(*ticket.CallTime), "start before call")
	assert.False(t, ticket.ServiceEndTime.Before(*ticket.ServiceStartTime), "end before start")
}

func TestGenerateTicketSkipsNumbersTakenInStorage(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())

	// Another process issues the next number after startup.
	require.NoError(t, st.SaveTicket(ctx, *models.NewTicket("REN-0001", renewal, "outside", models.PriorityNone, time.Now().UTC())))

	ticket, err := engine.GenerateTicket(ctx, "RENEWAL", "inside", "")
	require.NoError(t, err)
	assert.Equal(t, "REN-0002", ticket.TicketNumber)
	assert.Equal(t, []string{"REN-0002"}, ticketNumbers(engine.QueueSnapshot("RENEWAL")))

	stored, ok := st.Ticket("REN-0001")
	require.True(t, ok)
	assert.Equal(t, "outside", stored.CustomerName)
	stored, ok = st.Ticket("REN-0002")
	require.True(t, ok)
	assert.Equal(t, "inside", stored.CustomerName)
}

func TestGenerateTicketGivesUpAfterRepeatedCollisions(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())
	events := &recorder{}
	engine.Subscribe(events)

	st.failOn("SaveTicket", store.ErrTicketExists)
	_, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, store.ErrTicketExists)
	assert.Equal(t, 0, engine.WaitingCount("RENEWAL"))
	assert.Empty(t, events.kinds())
}

func TestCompleteServiceReplaysFailedWriteOnReconcile(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore(t, renewal)
	engine := newTestEngine(t, st, newTestClock())

	_, err := engine.GenerateTicket(ctx, "RENEWAL", "", "")
	require.NoError(t, err)
	called, err := engine.CallNext(ctx, "RENEWAL", "agent1")
	require.NoError(t, err)

	st.failOn("UpdateTicketStatus", errStoreDown)
	completed, err := engine.CompleteService(ctx, "agent1")
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, called.TicketNumber, completed.TicketNumber)
	_, bound := engine.TicketBeingServedBy("agent1")
	assert.False(t, bound)

	stored, ok := st.Ticket(called.TicketNumber)
	require.True(t, ok)
	assert.Equal(t, models.StatusServing, stored.Status)

	// Still failing: the completion stays pending.
	result, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.CompletionsSettled)

	st.failOn("UpdateTicketStatus", nil)
	result, err = engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CompletionsSettled)

	stored, ok = st.Ticket(called.TicketNumber)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ServiceEndTime)

	// A restart now sees the agent as free.
	restarted := newTestEngine(t, st, newTestClock())
	_, bound = restarted.TicketBeingServedBy("agent1")
	assert.False(t, bound)

	result, err = engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.CompletionsSettled)
}
