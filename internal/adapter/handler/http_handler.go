package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
)

// ReservationService is what the transports need from the coordinator.
type ReservationService interface {
	Book(ctx context.Context, req service.BookingRequest) (service.BookingResult, error)
	Cancel(ctx context.Context, orderNo, reason string) (domain.Order, error)
	ConfirmPayment(ctx context.Context, orderNo string) (domain.Order, error)
	Complete(ctx context.Context, orderNo string) (domain.Order, error)
	GetOrder(ctx context.Context, orderNo string) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error)
	FindTicket(ctx context.Context, ref domain.TicketRef) (domain.Item, error)
	SearchTickets(ctx context.Context, t domain.TicketType, filter domain.SearchFilter) ([]domain.Item, error)
}

type Auditor interface {
	Audit(ctx context.Context, ref domain.TicketRef) (service.Drift, error)
}

type HTTPHandler struct {
	svc     ReservationService
	auditor Auditor
	logger  *slog.Logger
}

type CancelHTTPRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

func NewHTTPHandler(svc ReservationService, auditor Auditor, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{svc: svc, auditor: auditor, logger: logger}
}

func (h *HTTPHandler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tickets/{type}", h.SearchTickets)
		r.Get("/tickets/{type}/{id}", h.FindTicket)
		r.Post("/bookings", h.Book)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{order_no}", h.GetOrder)
		r.Post("/orders/{order_no}/cancel", h.CancelOrder)
		r.Post("/orders/{order_no}/pay", h.ConfirmPayment)
		r.Post("/orders/{order_no}/complete", h.CompleteOrder)
		if h.auditor != nil {
			r.Get("/admin/reconcile/{type}/{id}", h.Reconcile)
		}
	})
	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) Book(w http.ResponseWriter, r *http.Request) {
	var in BookingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, invalid("invalid request body"))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		in.IdempotencyKey = key
	}
	if err := validateInput(in); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.Book(r.Context(), in.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BookingView{
		Success:    true,
		OrderNo:    res.OrderNo,
		TotalPrice: res.TotalPrice,
		Status:     res.Status,
	})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderNo, err := parseOrderNo(chi.URLParam(r, "order_no"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.GetOrder(r.Context(), orderNo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListFilter{ContactPhone: q.Get("contact_phone")}
	if filter.ContactPhone != "" && !validPhone(filter.ContactPhone) {
		h.writeError(w, r, invalid("malformed contact_phone"))
		return
	}
	if s := q.Get("status"); s != "" {
		st, err := domain.ParseOrderStatus(s)
		if err != nil {
			h.writeError(w, r, invalid("%v", err))
			return
		}
		filter.Status = st
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.Limit = limit

	orders, err := h.svc.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderViews(orders))
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderNo, err := parseOrderNo(chi.URLParam(r, "order_no"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// the body is optional
	var req CancelHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, invalid("invalid request body"))
		return
	}
	if err := validateInput(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.svc.Cancel(r.Context(), orderNo, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (h *HTTPHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.svc.ConfirmPayment)
}

func (h *HTTPHandler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.svc.Complete)
}

func (h *HTTPHandler) advance(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (domain.Order, error)) {
	orderNo, err := parseOrderNo(chi.URLParam(r, "order_no"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := fn(r.Context(), orderNo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(order))
}

func (h *HTTPHandler) SearchTickets(w http.ResponseWriter, r *http.Request) {
	t, err := domain.ParseTicketType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeError(w, r, invalid("%v", err))
		return
	}

	q := r.URL.Query()
	filter := domain.SearchFilter{
		DepartureCity: q.Get("from"),
		ArrivalCity:   q.Get("to"),
		City:          q.Get("city"),
		Artist:        q.Get("artist"),
		Date:          q.Get("date"),
		FareClass:     q.Get("fare_class"),
	}
	if filter.Date != "" {
		if _, err := time.Parse(time.DateOnly, filter.Date); err != nil {
			h.writeError(w, r, invalid("date must be YYYY-MM-DD"))
			return
		}
	}
	if filter.FareClass != "" && !domain.ValidFareClass(t, filter.FareClass) {
		h.writeError(w, r, invalid("fare class %q is not sold for %s", filter.FareClass, t))
		return
	}
	if s := q.Get("include_sold_out"); s != "" {
		filter.IncludeSoldOut, err = strconv.ParseBool(s)
		if err != nil {
			h.writeError(w, r, invalid("include_sold_out must be a boolean"))
			return
		}
	}
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		h.writeError(w, r, err)
		return
	}

	items, err := h.svc.SearchTickets(r.Context(), t, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]TicketView, 0, len(items))
	for _, it := range items {
		out = append(out, ticketView(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) FindTicket(w http.ResponseWriter, r *http.Request) {
	ref, err := ticketRef(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	item, err := h.svc.FindTicket(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketView(item))
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ref, err := ticketRef(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.auditor.Audit(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket_type":     ref.Type,
		"ticket_id":       ref.ID,
		"total_seats":     d.Total,
		"remaining_seats": d.Remaining,
		"held":            d.Held,
		"expected":        d.Expected,
		"delta":           d.Delta,
		"balanced":        d.Balanced(),
	})
}

func ticketRef(r *http.Request) (domain.TicketRef, error) {
	t, err := domain.ParseTicketType(chi.URLParam(r, "type"))
	if err != nil {
		return domain.TicketRef{}, invalid("%v", err)
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return domain.TicketRef{}, invalid("ticket id must be a positive integer")
	}
	return domain.TicketRef{Type: t, ID: id}, nil
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, invalid("limit must be a non-negative integer")
	}
	return n, nil
}

func httpStatus(err error) int {
	if errors.Is(err, errInvalidRequest) {
		return http.StatusBadRequest
	}
	switch domain.Code(err) {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInsufficientInventory, domain.CodeInvalidTransition, domain.CodeDuplicateRequest:
		return http.StatusConflict
	case domain.CodeQuantityExceeded:
		return http.StatusUnprocessableEntity
	case domain.CodeDataAccessFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	code := domain.Code(err)
	if status == http.StatusBadRequest {
		code = CodeValidation
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.Any("error", err))
	}
	writeJSON(w, status, ErrorResponse{Success: false, Code: code, Message: publicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
