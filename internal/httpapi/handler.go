package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"qms/barberline/internal/apperr"
	"qms/barberline/internal/auth"
	"qms/barberline/internal/ledger"
	"qms/barberline/internal/models"
	"qms/barberline/internal/queue"
	"qms/barberline/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type TicketService interface {
	Take(ctx context.Context, caller auth.Caller, input queue.TakeInput) (models.Ticket, error)
	Advance(ctx context.Context, caller auth.Caller, ticketID string) (models.Ticket, error)
	MarkArrival(ctx context.Context, caller auth.Caller, ticketID string) (models.Ticket, error)
	StartService(ctx context.Context, caller auth.Caller, ticketID string) (models.Ticket, error)
	Complete(ctx context.Context, caller auth.Caller, ticketID string) (models.Ticket, error)
	Cancel(ctx context.Context, caller auth.Caller, ticketID, reason string) (models.Ticket, error)
	Get(ctx context.Context, caller auth.Caller, ticketID string) (models.Ticket, error)
	Queue(ctx context.Context, branchID string) ([]models.Ticket, error)
	Events(ctx context.Context, caller auth.Caller, ticketID string) ([]store.TicketEvent, error)
}

type LoyaltyService interface {
	ActivateReward(ctx context.Context, userID, rewardID string) (models.Reward, error)
	Redeem(ctx context.Context, userID, code string) (models.Reward, error)
	ApplyRewardToQueue(ctx context.Context, caller auth.Caller, rewardID, queueID, branchID string) (models.Reward, models.Ticket, error)
	ListStamps(ctx context.Context, userID, franchiseID string) ([]models.Stamp, error)
	ListRewards(ctx context.Context, userID, franchiseID string) ([]models.Reward, error)
}

type LedgerService interface {
	Statement(ctx context.Context, userID string, limit int) (ledger.Statement, error)
}

type Handler struct {
	tickets TicketService
	loyalty LoyaltyService
	ledger  LedgerService
}

type takeTicketRequest struct {
	BranchID  string `json:"branch_id"`
	ServiceID string `json:"service_id"`
	BarberID  string `json:"barber_id"`
	UserID    string `json:"user_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type applyRewardRequest struct {
	QueueID  string `json:"queue_id"`
	BranchID string `json:"branch_id"`
}

type applyRewardResponse struct {
	Reward models.Reward `json:"reward"`
	Ticket models.Ticket `json:"ticket"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(tickets TicketService, loyalty LoyaltyService, ledger LedgerService) *Handler {
	return &Handler{tickets: tickets, loyalty: loyalty, ledger: ledger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/branches/", h.handleBranchQueue)
	mux.HandleFunc("/api/ledger", h.handleLedger)
	mux.HandleFunc("/api/loyalty/stamps", h.handleStamps)
	mux.HandleFunc("/api/loyalty/rewards", h.handleRewards)
	mux.HandleFunc("/api/rewards/redeem", h.handleRedeem)
	mux.HandleFunc("/api/rewards/", h.handleRewardActions)
	return mux
}

// Stack layers the access log, authentication and rate limiting over Routes.
func (h *Handler) Stack(verifier TokenVerifier, limiter *RateLimiter, logger *slog.Logger) http.Handler {
	routes := h.Routes()
	if limiter != nil {
		routes = limiter.Middleware(routes)
	}
	return LoggingMiddleware(logger, AuthMiddleware(verifier, routes))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req takeTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.BarberID = strings.TrimSpace(req.BarberID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.BranchID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, string(apperr.InvalidArgument), "branch_id is required")
		return
	}

	ticket, err := h.tickets.Take(r.Context(), caller, queue.TakeInput{
		BranchID:  req.BranchID,
		ServiceID: req.ServiceID,
		BarberID:  req.BarberID,
		UserID:    req.UserID,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

// handleTicketActions serves /api/tickets/{id}, /api/tickets/{id}/events and
// /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tickets/"), "/")
	parts := strings.Split(path, "/")
	ticketID := parts[0]
	if ticketID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, string(apperr.NotFound), "route not found")
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ticket, err := h.tickets.Get(r.Context(), caller, ticketID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		events, err := h.tickets.Events(r.Context(), caller, ticketID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if events == nil {
			events = []store.TicketEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicketAction(w, r, caller, ticketID, parts[2])
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, string(apperr.NotFound), "route not found")
	}
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, caller auth.Caller, ticketID, action string) {
	var (
		ticket models.Ticket
		err    error
	)
	ctx := r.Context()
	switch action {
	case "advance":
		ticket, err = h.tickets.Advance(ctx, caller, ticketID)
	case "arrive":
		ticket, err = h.tickets.MarkArrival(ctx, caller, ticketID)
	case "start":
		ticket, err = h.tickets.StartService(ctx, caller, ticketID)
	case "complete":
		ticket, err = h.tickets.Complete(ctx, caller, ticketID)
	case "cancel":
		var req cancelRequest
		if !decodeOptionalRequest(w, r, &req) {
			return
		}
		ticket, err = h.tickets.Cancel(ctx, caller, ticketID, strings.TrimSpace(req.Reason))
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, string(apperr.NotFound), "unknown ticket action")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// handleBranchQueue serves /api/branches/{id}/queue.
func (h *Handler) handleBranchQueue(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/branches/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "queue" {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, string(apperr.NotFound), "route not found")
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireCaller(w, r); !ok {
		return
	}
	tickets, err := h.tickets.Queue(r.Context(), parts[0])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, string(apperr.InvalidArgument), "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	statement, err := h.ledger.Statement(r.Context(), caller.SubjectID, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statement)
}

func (h *Handler) handleStamps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	stamps, err := h.loyalty.ListStamps(r.Context(), caller.SubjectID, franchiseFilter(r, caller))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stamps)
}

func (h *Handler) handleRewards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	rewards, err := h.loyalty.ListRewards(r.Context(), caller.SubjectID, franchiseFilter(r, caller))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reward, err := h.loyalty.Redeem(r.Context(), caller.SubjectID, req.Code)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reward)
}

// handleRewardActions serves /api/rewards/{id}/activate and
// /api/rewards/{id}/apply.
func (h *Handler) handleRewardActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rewards/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, string(apperr.NotFound), "route not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	rewardID := parts[0]

	switch parts[1] {
	case "activate":
		reward, err := h.loyalty.ActivateReward(r.Context(), caller.SubjectID, rewardID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reward)
	case "apply":
		var req applyRewardRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		reward, ticket, err := h.loyalty.ApplyRewardToQueue(r.Context(), caller, rewardID,
			strings.TrimSpace(req.QueueID), strings.TrimSpace(req.BranchID))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, applyRewardResponse{Reward: reward, Ticket: ticket})
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, string(apperr.NotFound), "unknown reward action")
	}
}

// franchiseFilter narrows loyalty listings to ?franchise_id, falling back to
// the franchise carried in the token. Empty lists every franchise.
func franchiseFilter(r *http.Request, caller auth.Caller) string {
	if value := strings.TrimSpace(r.URL.Query().Get("franchise_id")); value != "" {
		return value
	}
	return caller.FranchiseID
}

func requireCaller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := auth.FromContext(r.Context())
	if !ok || caller.SubjectID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, string(apperr.Unauthenticated), "missing credentials")
		return auth.Caller{}, false
	}
	return caller, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalRequest accepts an empty body as the zero value.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.AlreadyExists:
		return http.StatusConflict
	case apperr.FailedPrecondition:
		return http.StatusPreconditionFailed
	case apperr.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.Internal {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, requestIDFromRequest(r), statusFor(code), string(code), apperr.MessageOf(err))
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
