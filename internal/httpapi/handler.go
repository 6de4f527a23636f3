package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/dispatch-service/internal/catalog"
	"qms/dispatch-service/internal/feedback"
	"qms/dispatch-service/internal/hub"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/queue"
	"qms/dispatch-service/internal/store"
)

var (
	ticketsIssued    = expvar.NewInt("tickets_issued_total")
	ticketsCalled    = expvar.NewInt("tickets_called_total")
	ticketsCompleted = expvar.NewInt("tickets_completed_total")
)

// defaultHistoryLimit caps GET /api/tickets when no limit is given.
const defaultHistoryLimit = 200

// Engine is the dispatch surface the API drives.
type Engine interface {
	hub.BoardSource
	GenerateTicket(ctx context.Context, serviceKey, customerName string, reason models.PriorityReason) (models.Ticket, error)
	CallNext(ctx context.Context, serviceKey, agentID string) (models.Ticket, error)
	StartService(ctx context.Context, agentID string) (models.Ticket, bool, error)
	CompleteService(ctx context.Context, agentID string) (models.Ticket, error)
	UpdateTicketPriority(ctx context.Context, ticketNumber string, reason models.PriorityReason) error
	CancelTicket(ctx context.Context, ticketNumber string) (models.Ticket, error)
	TicketBeingServedBy(agentID string) (models.Ticket, bool)
	TotalWaitingCount() int
}

type Catalog interface {
	List(ctx context.Context) ([]models.ServiceType, error)
	Add(ctx context.Context, key, displayName string) (models.ServiceType, error)
	Rename(ctx context.Context, key, displayName string) (models.ServiceType, error)
	Remove(ctx context.Context, key string) error
}

type Feedback interface {
	Submit(ctx context.Context, ticketNumber string, rating int, comments string) (models.Feedback, error)
	Pending(now time.Time) []feedback.Prompt
	List(ctx context.Context) ([]models.Feedback, error)
}

// History answers ticket report queries straight from storage.
type History interface {
	SearchTickets(ctx context.Context, query store.TicketQuery) ([]models.Ticket, error)
}

type Handler struct {
	engine   Engine
	catalog  Catalog
	feedback Feedback
	history  History
	logger   *slog.Logger
}

type createTicketRequest struct {
	ServiceType    string `json:"service_type"`
	CustomerName   string `json:"customer_name"`
	PriorityReason string `json:"priority_reason"`
}

type callNextRequest struct {
	ServiceType string `json:"service_type"`
	AgentID     string `json:"agent_id"`
}

type priorityRequest struct {
	PriorityReason string `json:"priority_reason"`
}

type serviceTypeRequest struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

type feedbackRequest struct {
	TicketNumber string `json:"ticket_number"`
	Rating       int    `json:"rating"`
	Comments     string `json:"comments"`
}

type startResponse struct {
	Started bool          `json:"started"`
	Ticket  models.Ticket `json:"ticket"`
}

type queueSummary struct {
	ServiceType models.ServiceType `json:"service_type"`
	Waiting     int                `json:"waiting"`
	NowServing  []string           `json:"now_serving"`
}

type summaryResponse struct {
	TotalWaiting int            `json:"total_waiting"`
	Queues       []queueSummary `json:"queues"`
}

type errorResponse struct {
	RequestID string         `json:"request_id"`
	Error     responseError  `json:"error"`
	Ticket    *models.Ticket `json:"ticket,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Engine, services Catalog, collector Feedback, history History, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, catalog: services, feedback: collector, history: history, logger: logger}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/agents/", h.handleAgentActions)
	mux.HandleFunc("/api/queues", h.handleQueue)
	mux.HandleFunc("/api/queues/summary", h.handleQueueSummary)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/services/", h.handleServiceByKey)
	mux.HandleFunc("/api/feedback", h.handleFeedback)
	mux.HandleFunc("/api/feedback/pending", h.handlePendingFeedback)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.searchTickets(w, r)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	if req.ServiceType == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "service_type is required")
		return
	}
	reason, err := models.ParsePriorityReason(req.PriorityReason)
	if err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "priority_reason must be NONE, SENIOR_CITIZEN, PWD or PREGNANT")
		return
	}

	ticket, err := h.engine.GenerateTicket(r.Context(), req.ServiceType, req.CustomerName, reason)
	if err != nil {
		h.writeEngineError(w, r, err, ticket)
		return
	}
	ticketsIssued.Add(1)
	writeJSON(w, http.StatusCreated, ticket)
}

// searchTickets serves the ticket history report. status takes a comma
// separated list, q filters by text and limit caps the rows.
func (h *Handler) searchTickets(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	query := store.TicketQuery{Text: strings.TrimSpace(params.Get("q")), Limit: defaultHistoryLimit}
	for _, raw := range strings.Split(params.Get("status"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, err := models.ParseStatus(raw)
		if err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "status must be WAITING, SERVING, COMPLETED or CANCELLED")
			return
		}
		query.Statuses = append(query.Statuses, status)
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	tickets, err := h.history.SearchTickets(r.Context(), query)
	if err != nil {
		h.writeEngineError(w, r, err, models.Ticket{})
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.ServiceType == "" || req.AgentID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "service_type and agent_id are required")
		return
	}

	ticket, err := h.engine.CallNext(r.Context(), req.ServiceType, req.AgentID)
	if err != nil {
		h.writeEngineError(w, r, err, ticket)
		return
	}
	ticketsCalled.Add(1)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	number, action, ok := splitResourcePath(r.URL.Path, "/api/tickets/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "priority":
		h.handleUpdatePriority(w, r, number)
	case "cancel":
		h.handleCancelTicket(w, r, number)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleUpdatePriority(w http.ResponseWriter, r *http.Request, ticketNumber string) {
	var req priorityRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reason, err := models.ParsePriorityReason(req.PriorityReason)
	if err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "priority_reason must be NONE, SENIOR_CITIZEN, PWD or PREGNANT")
		return
	}

	if err := h.engine.UpdateTicketPriority(r.Context(), ticketNumber, reason); err != nil {
		h.writeEngineError(w, r, err, models.Ticket{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ticket_number":   ticketNumber,
		"priority_reason": string(reason),
	})
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request, ticketNumber string) {
	ticket, err := h.engine.CancelTicket(r.Context(), ticketNumber)
	if err != nil {
		h.writeEngineError(w, r, err, models.Ticket{})
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleAgentActions(w http.ResponseWriter, r *http.Request) {
	agentID, action, ok := splitResourcePath(r.URL.Path, "/api/agents/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "ticket":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ticket, found := h.engine.TicketBeingServedBy(agentID)
		if !found {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	case "start":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStartService(w, r, agentID)
	case "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCompleteService(w, r, agentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleStartService(w http.ResponseWriter, r *http.Request, agentID string) {
	ticket, started, err := h.engine.StartService(r.Context(), agentID)
	if err != nil {
		h.writeEngineError(w, r, err, ticket)
		return
	}
	if !started && ticket.TicketNumber == "" {
		writeError(w, requestID(r), http.StatusConflict, "invalid_state", "agent is not serving a ticket")
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Started: started, Ticket: ticket})
}

func (h *Handler) handleCompleteService(w http.ResponseWriter, r *http.Request, agentID string) {
	ticket, err := h.engine.CompleteService(r.Context(), agentID)
	if err != nil {
		h.writeEngineError(w, r, err, ticket)
		return
	}
	ticketsCompleted.Add(1)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("service_type"))
	if key == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "service_type is required")
		return
	}
	board, ok := hub.BoardFor(h.engine, key)
	if !ok {
		writeError(w, requestID(r), http.StatusNotFound, "service_not_found", "service type not found")
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleQueueSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	services := h.engine.AvailableServiceTypes()
	resp := summaryResponse{TotalWaiting: h.engine.TotalWaitingCount(), Queues: make([]queueSummary, 0, len(services))}
	for _, svc := range services {
		summary := queueSummary{
			ServiceType: svc,
			Waiting:     len(h.engine.QueueSnapshot(svc.Key)),
			NowServing:  []string{},
		}
		for _, ticket := range h.engine.ServingTickets(svc.Key) {
			summary.NowServing = append(summary.NowServing, ticket.TicketNumber)
		}
		resp.Queues = append(resp.Queues, summary)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		services, err := h.catalog.List(r.Context())
		if err != nil {
			h.writeEngineError(w, r, err, models.Ticket{})
			return
		}
		if services == nil {
			services = []models.ServiceType{}
		}
		writeJSON(w, http.StatusOK, services)
	case http.MethodPost:
		var req serviceTypeRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		svc, err := h.catalog.Add(r.Context(), req.Key, req.DisplayName)
		if err != nil {
			h.writeEngineError(w, r, err, models.Ticket{})
			return
		}
		writeJSON(w, http.StatusCreated, svc)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleServiceByKey(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	if key == "" || strings.Contains(key, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req serviceTypeRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		svc, err := h.catalog.Rename(r.Context(), key, req.DisplayName)
		if err != nil {
			h.writeEngineError(w, r, err, models.Ticket{})
			return
		}
		writeJSON(w, http.StatusOK, svc)
	case http.MethodDelete:
		if err := h.catalog.Remove(r.Context(), key); err != nil {
			h.writeEngineError(w, r, err, models.Ticket{})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := h.feedback.List(r.Context())
		if err != nil {
			h.writeEngineError(w, r, err, models.Ticket{})
			return
		}
		if items == nil {
			items = []models.Feedback{}
		}
		writeJSON(w, http.StatusOK, items)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req feedbackRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	saved, err := h.feedback.Submit(r.Context(), req.TicketNumber, req.Rating, req.Comments)
	if err != nil {
		h.writeEngineError(w, r, err, models.Ticket{})
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) handlePendingFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.feedback.Pending(time.Now().UTC()))
}

// writeEngineError keeps the ticket in the body when the in-memory change
// stuck but storage failed, so the caller still learns the ticket number.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error, ticket models.Ticket) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r), "error", err)
	}
	resp := errorResponse{RequestID: requestID(r), Error: responseError{Code: code, Message: msg}}
	if ticket.TicketNumber != "" {
		resp.Ticket = &ticket
	}
	writeJSON(w, status, resp)
}

// splitResourcePath parses "<prefix><id>/<action>".
func splitResourcePath(path, prefix string) (string, string, bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), parts[1], true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_failure", "storage unavailable; change not saved"
	case errors.Is(err, queue.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, catalog.ErrInvalidKey), errors.Is(err, catalog.ErrMissingDisplayName):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, feedback.ErrInvalidRating), errors.Is(err, feedback.ErrMissingTicket):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, queue.ErrUnknownServiceType), errors.Is(err, store.ErrServiceTypeNotFound):
		return http.StatusNotFound, "service_not_found", "service type not found"
	case errors.Is(err, queue.ErrAgentBusy):
		return http.StatusConflict, "agent_busy", "agent is already serving a ticket"
	case errors.Is(err, queue.ErrNoTicketAvailable):
		return http.StatusConflict, "queue_empty", "no tickets available"
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrServiceTypeInUse):
		return http.StatusConflict, "service_in_use", "service type is referenced by tickets"
	case errors.Is(err, store.ErrServiceTypeExists):
		return http.StatusConflict, "service_exists", "service type already exists"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
