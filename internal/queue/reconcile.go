package queue

import (
	"context"
	"log/slog"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// ReconcileResult counts what one reconciliation pass changed.
type ReconcileResult struct {
	ServicesAdded   int `json:"services_added"`
	ServicesRemoved int `json:"services_removed"`
	ServicesRenamed int `json:"services_renamed"`
	TicketsAdded    int `json:"tickets_added"`
	TicketsRemoved  int `json:"tickets_removed"`
	TicketsResorted int `json:"tickets_resorted"`
	// CompletionsSettled counts completions whose earlier write failed and
	// was replayed by this pass.
	CompletionsSettled int `json:"completions_settled"`
}

func (r ReconcileResult) Changed() bool {
	return r.ServicesAdded+r.ServicesRemoved+r.ServicesRenamed+r.TicketsAdded+r.TicketsRemoved+r.TicketsResorted > 0
}

// Reconcile brings the in-memory catalog and waiting queues in line with
// storage. Tickets bound to an agent are never re-queued. Completions whose
// write failed are written again first. Observers get a
// single update, and only when something changed.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	ctx, span := e.startSpan(ctx, "queue.Reconcile")
	defer span.End()

	e.mu.Lock()
	result, err := e.reconcileLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return ReconcileResult{}, e.fail(span, err)
	}

	span.SetAttributes(
		attribute.Int("services_added", result.ServicesAdded),
		attribute.Int("services_removed", result.ServicesRemoved),
		attribute.Int("tickets_added", result.TicketsAdded),
		attribute.Int("tickets_removed", result.TicketsRemoved),
		attribute.Int("completions_settled", result.CompletionsSettled),
	)
	if result.Changed() {
		e.publish(&Update{Kind: UpdateQueueReconciled, At: e.now()})
	}
	return result, nil
}

func (e *Engine) reconcileLocked(ctx context.Context) (ReconcileResult, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	services, err := e.store.ListServiceTypes(storeCtx)
	if err != nil {
		return ReconcileResult{}, persistenceError("list service types", "", err)
	}
	tickets, err := e.store.ListTickets(storeCtx, store.TicketFilter{Statuses: []models.Status{models.StatusWaiting}})
	if err != nil {
		return ReconcileResult{}, persistenceError("list tickets", "", err)
	}

	var result ReconcileResult
	result.CompletionsSettled = e.settleLocked(storeCtx)

	stored := make(map[string]models.ServiceType, len(services))
	for _, svc := range services {
		svc.Key = models.NormalizeServiceKey(svc.Key)
		stored[svc.Key] = svc
	}
	for key, svc := range stored {
		current, ok := e.services[key]
		switch {
		case !ok:
			e.addServiceLocked(svc)
			result.ServicesAdded++
			e.logger.Info("service type added by reconciliation", "service_type", key)
		case svc.DisplayName != "" && svc.DisplayName != current.DisplayName:
			e.services[key] = svc
			result.ServicesRenamed++
		}
	}
	for key := range e.services {
		if _, ok := stored[key]; ok {
			continue
		}
		dropped := 0
		if q, ok := e.queues[key]; ok {
			dropped = q.len()
		}
		delete(e.services, key)
		delete(e.queues, key)
		result.ServicesRemoved++
		result.TicketsRemoved += dropped
		e.logger.Warn("service type removed by reconciliation", "service_type", key, "dropped_tickets", dropped)
	}

	waiting := make(map[string]models.Ticket, len(tickets))
	for _, ticket := range tickets {
		e.observeLocked(ticket.TicketNumber)
		if _, ok := e.services[models.NormalizeServiceKey(ticket.ServiceType.Key)]; ok {
			waiting[ticket.TicketNumber] = ticket
		}
	}
	bound := e.boundNumbersLocked()
	present := make(map[string]struct{})
	for key, q := range e.queues {
		for number, ticket := range q.numbers() {
			storedTicket, ok := waiting[number]
			if !ok {
				q.remove(number)
				result.TicketsRemoved++
				e.logger.Info("dropping waiting ticket absent from storage", "ticket", number, "service_type", key)
				continue
			}
			present[number] = struct{}{}
			if storedTicket.PriorityReason != ticket.PriorityReason {
				q.remove(number)
				ticket.SetPriorityReason(storedTicket.PriorityReason)
				q.push(ticket)
				result.TicketsResorted++
			}
		}
	}
	for number, ticket := range waiting {
		if _, ok := present[number]; ok {
			continue
		}
		if _, ok := bound[number]; ok {
			continue
		}
		restored := ticket
		e.queues[models.NormalizeServiceKey(ticket.ServiceType.Key)].push(&restored)
		result.TicketsAdded++
		e.logger.Info("waiting ticket restored by reconciliation", "ticket", number, "service_type", ticket.ServiceType.Key)
	}

	if result.Changed() {
		e.logger.Info("queue reconciled",
			"services_added", result.ServicesAdded,
			"services_removed", result.ServicesRemoved,
			"tickets_added", result.TicketsAdded,
			"tickets_removed", result.TicketsRemoved,
			"completions_settled", result.CompletionsSettled,
		)
	}
	return result, nil
}

// Reconciler runs Engine.Reconcile on a fixed interval.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewReconciler(engine *Engine, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{engine: engine, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("reconciliation disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.engine.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}
