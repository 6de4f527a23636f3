package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "qms/dispatch-service/queue"

// maxNumberAttempts bounds how many storage collisions GenerateTicket
// absorbs before giving up.
const maxNumberAttempts = 5

type Options struct {
	Logger *slog.Logger
	Clock  func() time.Time
	// StoreTimeout bounds each storage call. Zero means no timeout.
	StoreTimeout time.Duration
	Tracer       trace.Tracer
}

// Engine owns the waiting queues, the agent bindings and the ticket
// sequence. Every mutation runs under mu, including its storage calls;
// observers are notified after mu is released.
type Engine struct {
	mu       sync.Mutex
	store    store.TicketStore
	services map[string]models.ServiceType
	queues   map[string]*waitingQueue
	serving  map[string]*models.Ticket
	// unsettled holds completions released in memory whose storage write
	// failed. Reconcile replays them.
	unsettled map[string]models.Ticket

	seq      Sequence
	notifier *Notifier
	feedback feedbackSlot

	logger       *slog.Logger
	now          func() time.Time
	storeTimeout time.Duration
	tracer       trace.Tracer
}

// New loads service types, seeds the ticket sequence and restores waiting
// tickets and agent bindings from st.
func New(ctx context.Context, st store.TicketStore, options Options) (*Engine, error) {
	if st == nil {
		return nil, invalidArgument("ticket store is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := options.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	tracer := options.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	e := &Engine{
		store:        st,
		services:     make(map[string]models.ServiceType),
		queues:       make(map[string]*waitingQueue),
		serving:      make(map[string]*models.Ticket),
		unsettled:    make(map[string]models.Ticket),
		notifier:     NewNotifier(logger),
		logger:       logger,
		now:          clock,
		storeTimeout: options.StoreTimeout,
		tracer:       tracer,
	}

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	highest, err := st.HighestTicketSequence(storeCtx)
	if err != nil {
		return nil, persistenceError("highest ticket sequence", "", err)
	}
	if err := e.seq.Seed(highest); err != nil {
		return nil, err
	}

	services, err := st.ListServiceTypes(storeCtx)
	if err != nil {
		return nil, persistenceError("list service types", "", err)
	}
	for _, svc := range services {
		e.addServiceLocked(svc)
	}
	if len(services) == 0 {
		logger.Warn("no service types configured; queues start empty")
	}

	tickets, err := st.ListTickets(storeCtx, store.TicketFilter{Statuses: []models.Status{models.StatusWaiting, models.StatusServing}})
	if err != nil {
		return nil, persistenceError("list tickets", "", err)
	}
	restoredWaiting, restoredBindings := 0, 0
	for i := range tickets {
		ticket := tickets[i]
		e.observeLocked(ticket.TicketNumber)
		switch ticket.Status {
		case models.StatusWaiting:
			q, ok := e.queues[models.NormalizeServiceKey(ticket.ServiceType.Key)]
			if !ok {
				logger.Warn("skipping waiting ticket for unknown service type", "ticket", ticket.TicketNumber, "service_type", ticket.ServiceType.Key)
				continue
			}
			q.push(&ticket)
			restoredWaiting++
		case models.StatusServing:
			agent := strings.TrimSpace(ticket.Agent())
			if agent == "" {
				logger.Warn("serving ticket has no agent", "ticket", ticket.TicketNumber)
				continue
			}
			if existing, ok := e.serving[agent]; ok && laterCall(existing, &ticket) {
				logger.Warn("agent bound to several serving tickets; keeping latest call", "agent", agent, "kept", existing.TicketNumber, "skipped", ticket.TicketNumber)
				continue
			}
			e.serving[agent] = &ticket
			restoredBindings++
		}
	}

	logger.Info("queue engine initialized",
		"service_types", len(e.services),
		"waiting", restoredWaiting,
		"bindings", restoredBindings,
		"sequence", highest,
	)
	return e, nil
}

func (e *Engine) Subscribe(observer Observer) func() {
	return e.notifier.Subscribe(observer)
}

// SetFeedbackPrompt replaces the single feedback prompt slot. nil clears it.
func (e *Engine) SetFeedbackPrompt(prompt FeedbackPromptFunc) {
	e.feedback.set(prompt)
	if prompt == nil {
		e.logger.Warn("feedback prompt cleared")
		return
	}
	e.logger.Info("feedback prompt registered")
}

func (e *Engine) GenerateTicket(ctx context.Context, serviceKey, customerName string, reason models.PriorityReason) (models.Ticket, error) {
	ctx, span := e.startSpan(ctx, "queue.GenerateTicket", attribute.String("service_type", serviceKey))
	defer span.End()

	key := models.NormalizeServiceKey(serviceKey)
	if key == "" {
		return models.Ticket{}, e.fail(span, invalidArgument("service type is required"))
	}
	reason, err := models.ParsePriorityReason(string(reason))
	if err != nil {
		return models.Ticket{}, e.fail(span, invalidArgument("%v", err))
	}

	e.mu.Lock()
	ticket, update, err := e.generateLocked(ctx, key, customerName, reason)
	e.mu.Unlock()

	e.publish(update)
	return ticket, e.fail(span, err)
}

func (e *Engine) generateLocked(ctx context.Context, key, customerName string, reason models.PriorityReason) (models.Ticket, *Update, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	svc, ok := e.services[key]
	if !ok {
		found, exists, err := e.store.FindServiceType(storeCtx, key)
		if err != nil {
			return models.Ticket{}, nil, persistenceError("find service type", "", err)
		}
		if !exists {
			return models.Ticket{}, nil, fmt.Errorf("%w: %s", ErrUnknownServiceType, key)
		}
		svc = e.addServiceLocked(found)
		e.logger.Info("service type absorbed from storage", "service_type", svc.Key)
	}

	for attempt := 1; ; attempt++ {
		seq, err := e.seq.Next()
		if err != nil {
			return models.Ticket{}, nil, err
		}
		number := formatTicketNumber(svc, seq)
		if e.numberInUseLocked(number) {
			e.logger.Warn("ticket number already in memory; skipping", "ticket", number)
			continue
		}
		ticket := models.NewTicket(number, svc, customerName, reason, e.now())
		e.queues[svc.Key].push(ticket)

		out := ticket.Clone()
		update := &Update{Kind: UpdateTicketGenerated, ServiceKey: svc.Key, TicketNumber: ticket.TicketNumber, At: ticket.IssueTime}
		err = e.store.SaveTicket(storeCtx, out)
		if errors.Is(err, store.ErrTicketExists) {
			// Another process already holds this number.
			e.queues[svc.Key].remove(number)
			if attempt < maxNumberAttempts {
				e.logger.Warn("ticket number taken in storage; issuing the next one", "ticket", number, "attempt", attempt)
				continue
			}
			e.logger.Error("ticket numbers keep colliding in storage", "ticket", number, "attempts", attempt)
			return models.Ticket{}, nil, persistenceError("save ticket", number, err)
		}
		if err != nil {
			// The ticket stays queued; reconciliation drops it if it never reached storage.
			e.logger.Error("save ticket failed", "ticket", ticket.TicketNumber, "service_type", svc.Key, "error", err)
			return out, update, persistenceError("save ticket", ticket.TicketNumber, err)
		}

		e.logger.Info("ticket generated",
			"ticket", ticket.TicketNumber,
			"service_type", svc.Key,
			"priority_reason", string(ticket.PriorityReason),
		)
		return out, update, nil
	}
}

func (e *Engine) CallNext(ctx context.Context, serviceKey, agentID string) (models.Ticket, error) {
	ctx, span := e.startSpan(ctx, "queue.CallNext", attribute.String("service_type", serviceKey), attribute.String("agent", agentID))
	defer span.End()

	key := models.NormalizeServiceKey(serviceKey)
	agentID = strings.TrimSpace(agentID)
	if key == "" || agentID == "" {
		return models.Ticket{}, e.fail(span, invalidArgument("service type and agent are required"))
	}

	e.mu.Lock()
	ticket, update, err := e.callNextLocked(ctx, key, agentID)
	e.mu.Unlock()

	e.publish(update)
	return ticket, e.fail(span, err)
}

func (e *Engine) callNextLocked(ctx context.Context, key, agentID string) (models.Ticket, *Update, error) {
	if bound, ok := e.serving[agentID]; ok {
		e.logger.Warn("agent already serving a ticket", "agent", agentID, "ticket", bound.TicketNumber)
		return models.Ticket{}, nil, fmt.Errorf("%w: %s is serving %s", ErrAgentBusy, agentID, bound.TicketNumber)
	}

	q, ok := e.queues[key]
	var ticket *models.Ticket
	if ok {
		ticket, ok = q.pop()
	}
	if !ok {
		e.logger.Info("queue empty", "service_type", key, "agent", agentID)
		return models.Ticket{}, &Update{Kind: UpdateQueueEmpty, ServiceKey: key, AgentID: agentID, At: e.now()}, ErrNoTicketAvailable
	}
	if !store.ValidTransition("call_next", ticket.Status) {
		e.logger.Error("popped ticket is not waiting", "ticket", ticket.TicketNumber, "status", string(ticket.Status))
		return models.Ticket{}, nil, fmt.Errorf("%w: ticket %s is %s", ErrInvalidArgument, ticket.TicketNumber, ticket.Status)
	}

	calledAt := latest(e.now(), ticket.IssueTime)
	agent := agentID
	ticket.Status = models.StatusServing
	ticket.CallTime = &calledAt
	ticket.AgentID = &agent
	e.serving[agentID] = ticket

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	var persistErr error
	if err := e.store.UpdateTicketStatus(storeCtx, ticket.TicketNumber, models.StatusServing, &agent); err != nil {
		persistErr = persistenceError("update ticket status", ticket.TicketNumber, err)
	} else if err := e.store.UpdateTicketTimes(storeCtx, ticket.TicketNumber, &calledAt, nil, nil); err != nil {
		persistErr = persistenceError("update ticket times", ticket.TicketNumber, err)
	}
	if persistErr != nil {
		e.logger.Error("persist call failed", "ticket", ticket.TicketNumber, "agent", agentID, "error", persistErr)
	}

	e.logger.Info("ticket called",
		"ticket", ticket.TicketNumber,
		"service_type", key,
		"agent", agentID,
		"priority_reason", string(ticket.PriorityReason),
	)
	return ticket.Clone(), &Update{Kind: UpdateTicketCalled, ServiceKey: key, TicketNumber: ticket.TicketNumber, AgentID: agentID, At: calledAt}, persistErr
}

// StartService stamps the service start time. It reports false without an
// error when the agent has no ticket or the service already started.
func (e *Engine) StartService(ctx context.Context, agentID string) (models.Ticket, bool, error) {
	ctx, span := e.startSpan(ctx, "queue.StartService", attribute.String("agent", agentID))
	defer span.End()

	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.Ticket{}, false, e.fail(span, invalidArgument("agent is required"))
	}

	e.mu.Lock()
	ticket, started, update, err := e.startLocked(ctx, agentID)
	e.mu.Unlock()

	e.publish(update)
	return ticket, started, e.fail(span, err)
}

func (e *Engine) startLocked(ctx context.Context, agentID string) (models.Ticket, bool, *Update, error) {
	ticket, ok := e.serving[agentID]
	if !ok || !store.ValidTransition("start_service", ticket.Status) {
		e.logger.Warn("no serving ticket to start", "agent", agentID)
		return models.Ticket{}, false, nil, nil
	}
	if ticket.ServiceStartTime != nil {
		e.logger.Warn("service already started", "ticket", ticket.TicketNumber, "agent", agentID)
		return ticket.Clone(), false, nil, nil
	}

	startedAt := latest(e.now(), ticket.IssueTime)
	if ticket.CallTime != nil {
		startedAt = latest(startedAt, *ticket.CallTime)
	}
	ticket.ServiceStartTime = &startedAt

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	var persistErr error
	if err := e.store.UpdateTicketTimes(storeCtx, ticket.TicketNumber, nil, &startedAt, nil); err != nil {
		persistErr = persistenceError("update ticket times", ticket.TicketNumber, err)
		e.logger.Error("persist service start failed", "ticket", ticket.TicketNumber, "error", err)
	}

	e.logger.Info("service started", "ticket", ticket.TicketNumber, "agent", agentID)
	update := &Update{Kind: UpdateServiceStarted, ServiceKey: ticket.ServiceType.Key, TicketNumber: ticket.TicketNumber, AgentID: agentID, At: startedAt}
	return ticket.Clone(), true, update, persistErr
}

// CompleteService closes the agent's ticket and releases the binding. A
// missing start time is back-filled from the call time, or one second
// before completion, so the record can always be closed.
func (e *Engine) CompleteService(ctx context.Context, agentID string) (models.Ticket, error) {
	ctx, span := e.startSpan(ctx, "queue.CompleteService", attribute.String("agent", agentID))
	defer span.End()

	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.Ticket{}, e.fail(span, invalidArgument("agent is required"))
	}

	e.mu.Lock()
	ticket, update, err := e.completeLocked(ctx, agentID)
	e.mu.Unlock()

	if update == nil {
		return ticket, e.fail(span, err)
	}
	e.publish(update)
	go e.feedback.fire(e.logger, ticket.TicketNumber)
	return ticket, e.fail(span, err)
}

func (e *Engine) completeLocked(ctx context.Context, agentID string) (models.Ticket, *Update, error) {
	ticket, ok := e.serving[agentID]
	if !ok || !store.ValidTransition("complete", ticket.Status) {
		e.logger.Warn("no serving ticket to complete", "agent", agentID)
		return models.Ticket{}, nil, fmt.Errorf("%w: agent %s has no ticket", ErrNotFound, agentID)
	}

	endedAt := e.now()
	if ticket.ServiceStartTime == nil {
		startedAt := endedAt.Add(-time.Second)
		if ticket.CallTime != nil {
			startedAt = *ticket.CallTime
		}
		ticket.ServiceStartTime = &startedAt
		e.logger.Warn("service start time missing; approximating", "ticket", ticket.TicketNumber, "agent", agentID)
	}
	ticket.ServiceEndTime = &endedAt
	normalizeTimes(ticket)
	ticket.Status = models.StatusCompleted
	delete(e.serving, agentID)

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	persistErr := e.persistCompletion(storeCtx, *ticket)
	if persistErr != nil {
		e.unsettled[ticket.TicketNumber] = ticket.Clone()
		e.logger.Error("completion not persisted; storage still shows the ticket serving until reconciliation replays it",
			"ticket", ticket.TicketNumber, "agent", agentID, "error", persistErr)
	}

	e.logger.Info("service completed", "ticket", ticket.TicketNumber, "agent", agentID)
	update := &Update{Kind: UpdateServiceCompleted, ServiceKey: ticket.ServiceType.Key, TicketNumber: ticket.TicketNumber, AgentID: agentID, At: *ticket.ServiceEndTime}
	return ticket.Clone(), update, persistErr
}

func (e *Engine) persistCompletion(ctx context.Context, ticket models.Ticket) error {
	agent := ticket.Agent()
	if err := e.store.UpdateTicketStatus(ctx, ticket.TicketNumber, models.StatusCompleted, &agent); err != nil {
		return persistenceError("update ticket status", ticket.TicketNumber, err)
	}
	if err := e.store.UpdateTicketTimes(ctx, ticket.TicketNumber, ticket.CallTime, ticket.ServiceStartTime, ticket.ServiceEndTime); err != nil {
		return persistenceError("update ticket times", ticket.TicketNumber, err)
	}
	return nil
}

// settleLocked replays completion writes that failed earlier. A ticket
// that has since left storage is dropped.
func (e *Engine) settleLocked(ctx context.Context) int {
	settled := 0
	for number, ticket := range e.unsettled {
		err := e.persistCompletion(ctx, ticket)
		switch {
		case err == nil:
			settled++
			delete(e.unsettled, number)
			e.logger.Info("completion persisted by reconciliation", "ticket", number, "agent", ticket.Agent())
		case errors.Is(err, store.ErrTicketNotFound):
			delete(e.unsettled, number)
			e.logger.Warn("dropping unsettled completion for missing ticket", "ticket", number)
		default:
			e.logger.Warn("completion still not persisted", "ticket", number, "error", err)
		}
	}
	return settled
}

// UpdateTicketPriority changes the reason of a WAITING ticket and re-sorts
// it. When storage rejects the change the old reason is restored and the
// ticket goes back into its queue.
func (e *Engine) UpdateTicketPriority(ctx context.Context, ticketNumber string, reason models.PriorityReason) error {
	ctx, span := e.startSpan(ctx, "queue.UpdateTicketPriority", attribute.String("ticket", ticketNumber))
	defer span.End()

	ticketNumber = strings.TrimSpace(ticketNumber)
	if ticketNumber == "" {
		return e.fail(span, invalidArgument("ticket number is required"))
	}
	reason, err := models.ParsePriorityReason(string(reason))
	if err != nil {
		return e.fail(span, invalidArgument("%v", err))
	}

	e.mu.Lock()
	update, err := e.reprioritizeLocked(ctx, ticketNumber, reason)
	e.mu.Unlock()

	e.publish(update)
	return e.fail(span, err)
}

func (e *Engine) reprioritizeLocked(ctx context.Context, ticketNumber string, reason models.PriorityReason) (*Update, error) {
	key, q, ticket, ok := e.findWaitingLocked(ticketNumber)
	if !ok || !store.ValidTransition("reprioritize", ticket.Status) {
		e.logger.Warn("ticket not waiting; priority unchanged", "ticket", ticketNumber)
		return nil, fmt.Errorf("%w: ticket %s is not waiting", ErrNotFound, ticketNumber)
	}

	q.remove(ticketNumber)
	previous := ticket.PriorityReason
	ticket.SetPriorityReason(reason)

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	updated, err := e.store.UpdateTicketPriority(storeCtx, ticketNumber, reason)
	if err == nil && !updated {
		err = store.ErrTicketNotFound
	}
	update := &Update{Kind: UpdateTicketReprioritized, ServiceKey: key, TicketNumber: ticketNumber, At: e.now()}
	if err != nil {
		ticket.SetPriorityReason(previous)
		q.push(ticket)
		e.logger.Error("persist priority failed; restored previous priority", "ticket", ticketNumber, "priority_reason", string(previous), "error", err)
		return update, persistenceError("update ticket priority", ticketNumber, err)
	}

	q.push(ticket)
	e.logger.Info("ticket priority updated", "ticket", ticketNumber, "from", string(previous), "to", string(reason))
	return update, nil
}

// CancelTicket withdraws a WAITING ticket.
func (e *Engine) CancelTicket(ctx context.Context, ticketNumber string) (models.Ticket, error) {
	ctx, span := e.startSpan(ctx, "queue.CancelTicket", attribute.String("ticket", ticketNumber))
	defer span.End()

	ticketNumber = strings.TrimSpace(ticketNumber)
	if ticketNumber == "" {
		return models.Ticket{}, e.fail(span, invalidArgument("ticket number is required"))
	}

	e.mu.Lock()
	ticket, update, err := e.cancelLocked(ctx, ticketNumber)
	e.mu.Unlock()

	e.publish(update)
	return ticket, e.fail(span, err)
}

func (e *Engine) cancelLocked(ctx context.Context, ticketNumber string) (models.Ticket, *Update, error) {
	key, q, ticket, ok := e.findWaitingLocked(ticketNumber)
	if !ok || !store.ValidTransition("cancel", ticket.Status) {
		return models.Ticket{}, nil, fmt.Errorf("%w: ticket %s is not waiting", ErrNotFound, ticketNumber)
	}

	q.remove(ticketNumber)
	ticket.Status = models.StatusCancelled

	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.UpdateTicketStatus(storeCtx, ticketNumber, models.StatusCancelled, nil); err != nil {
		ticket.Status = models.StatusWaiting
		q.push(ticket)
		e.logger.Error("persist cancel failed; ticket kept waiting", "ticket", ticketNumber, "error", err)
		return ticket.Clone(), nil, persistenceError("update ticket status", ticketNumber, err)
	}

	e.logger.Info("ticket cancelled", "ticket", ticketNumber, "service_type", key)
	return ticket.Clone(), &Update{Kind: UpdateTicketCancelled, ServiceKey: key, TicketNumber: ticketNumber, At: e.now()}, nil
}

// ServicesConfigurationChanged rebuilds the service catalog and every
// waiting queue from storage. Agent bindings are kept.
func (e *Engine) ServicesConfigurationChanged(ctx context.Context) error {
	ctx, span := e.startSpan(ctx, "queue.ServicesConfigurationChanged")
	defer span.End()

	e.mu.Lock()
	update, err := e.reloadLocked(ctx)
	e.mu.Unlock()

	e.publish(update)
	return e.fail(span, err)
}

func (e *Engine) reloadLocked(ctx context.Context) (*Update, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	services, err := e.store.ListServiceTypes(storeCtx)
	if err != nil {
		return nil, persistenceError("list service types", "", err)
	}
	tickets, err := e.store.ListTickets(storeCtx, store.TicketFilter{Statuses: []models.Status{models.StatusWaiting}})
	if err != nil {
		return nil, persistenceError("list tickets", "", err)
	}

	e.services = make(map[string]models.ServiceType, len(services))
	e.queues = make(map[string]*waitingQueue, len(services))
	for _, svc := range services {
		e.addServiceLocked(svc)
	}
	bound := e.boundNumbersLocked()
	loaded := 0
	for i := range tickets {
		ticket := tickets[i]
		e.observeLocked(ticket.TicketNumber)
		if _, ok := bound[ticket.TicketNumber]; ok {
			continue
		}
		q, ok := e.queues[models.NormalizeServiceKey(ticket.ServiceType.Key)]
		if !ok {
			continue
		}
		q.push(&ticket)
		loaded++
	}

	e.logger.Info("service configuration reloaded", "service_types", len(e.services), "waiting", loaded)
	return &Update{Kind: UpdateServicesReloaded, At: e.now()}, nil
}

func (e *Engine) QueueSnapshot(serviceKey string) []models.Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[models.NormalizeServiceKey(serviceKey)]
	if !ok {
		return []models.Ticket{}
	}
	return q.snapshot()
}

func (e *Engine) WaitingCount(serviceKey string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[models.NormalizeServiceKey(serviceKey)]
	if !ok {
		return 0
	}
	return q.len()
}

func (e *Engine) TotalWaitingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, q := range e.queues {
		total += q.len()
	}
	return total
}

// CurrentlyServing returns the most recently called ticket of the service
// type among all agent bindings.
func (e *Engine) CurrentlyServing(serviceKey string) (models.Ticket, bool) {
	serving := e.ServingTickets(serviceKey)
	if len(serving) == 0 {
		return models.Ticket{}, false
	}
	return serving[0], true
}

// ServingTickets lists bound tickets of the service type, latest call first.
func (e *Engine) ServingTickets(serviceKey string) []models.Ticket {
	key := models.NormalizeServiceKey(serviceKey)
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []*models.Ticket
	for _, ticket := range e.serving {
		if ticket.Status == models.StatusServing && models.NormalizeServiceKey(ticket.ServiceType.Key) == key {
			matched = append(matched, ticket)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return laterCall(matched[i], matched[j])
	})
	out := make([]models.Ticket, 0, len(matched))
	for _, ticket := range matched {
		out = append(out, ticket.Clone())
	}
	return out
}

func (e *Engine) TicketBeingServedBy(agentID string) (models.Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, ok := e.serving[strings.TrimSpace(agentID)]
	if !ok {
		return models.Ticket{}, false
	}
	return ticket.Clone(), true
}

// AvailableServiceTypes is sorted by display name, then key.
func (e *Engine) AvailableServiceTypes() []models.ServiceType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ServiceType, 0, len(e.services))
	for _, svc := range e.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (e *Engine) addServiceLocked(svc models.ServiceType) models.ServiceType {
	svc.Key = models.NormalizeServiceKey(svc.Key)
	if strings.TrimSpace(svc.DisplayName) == "" {
		svc.DisplayName = svc.Key
	}
	e.services[svc.Key] = svc
	if _, ok := e.queues[svc.Key]; !ok {
		e.queues[svc.Key] = newWaitingQueue()
	}
	return svc
}

func (e *Engine) findWaitingLocked(ticketNumber string) (string, *waitingQueue, *models.Ticket, bool) {
	for key, q := range e.queues {
		if ticket, ok := q.find(ticketNumber); ok && ticket.Status == models.StatusWaiting {
			return key, q, ticket, true
		}
	}
	return "", nil, nil, false
}

// observeLocked keeps the counter ahead of every ticket number seen in storage.
func (e *Engine) observeLocked(ticketNumber string) {
	seq, ok := ticketSequence(ticketNumber)
	if !ok {
		return
	}
	if e.seq.Observe(seq) {
		e.logger.Info("ticket sequence advanced past stored ticket", "ticket", ticketNumber, "sequence", seq)
	}
}

func (e *Engine) numberInUseLocked(ticketNumber string) bool {
	if _, _, _, ok := e.findWaitingLocked(ticketNumber); ok {
		return true
	}
	_, ok := e.boundNumbersLocked()[ticketNumber]
	return ok
}

func (e *Engine) boundNumbersLocked() map[string]struct{} {
	bound := make(map[string]struct{}, len(e.serving))
	for _, ticket := range e.serving {
		bound[ticket.TicketNumber] = struct{}{}
	}
	return bound
}

func (e *Engine) publish(update *Update) {
	if update == nil {
		return
	}
	e.notifier.NotifyAll(*update)
}

// storeContext detaches storage calls from caller cancellation so a call
// that already mutated memory always runs to completion.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if e.storeTimeout <= 0 {
		return detached, func() {}
	}
	return context.WithTimeout(detached, e.storeTimeout)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e *Engine) fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// normalizeTimes keeps issue <= call <= start <= end after back-filling.
func normalizeTimes(ticket *models.Ticket) {
	call := ticket.IssueTime
	if ticket.CallTime != nil {
		call = latest(*ticket.CallTime, ticket.IssueTime)
	}
	start := latest(*ticket.ServiceStartTime, call)
	if ticket.CallTime == nil {
		call = start
	}
	end := latest(*ticket.ServiceEndTime, start)
	ticket.CallTime = &call
	ticket.ServiceStartTime = &start
	ticket.ServiceEndTime = &end
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func laterCall(a, b *models.Ticket) bool {
	switch {
	case a.CallTime == nil:
		return false
	case b.CallTime == nil:
		return true
	default:
		return a.CallTime.After(*b.CallTime)
	}
}
