package lending

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bookworm/internal/access"
	"bookworm/internal/respond"
)

type Handler struct {
	service Service
	history HistoryReader
}

type HandlerOption func(*Handler)

// WithHistory serves the book history endpoint from r.
func WithHistory(r HistoryReader) HandlerOption {
	return func(h *Handler) { h.history = r }
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the lending endpoints. Callers must run
// access.RequireAuthenticated in front of them.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/books/{id}/checkout", h.HandleCheckout)
	r.Post("/books/{id}/return", h.HandleReturn)
	r.Post("/books/{id}/hold", h.HandleHold)
	r.Get("/books/{id}/hold", h.HandleHoldPosition)
	r.With(access.RequireCatalogAdmin).Get("/books/{id}/history", h.HandleHistory)
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, bookID, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.service.CheckOut(r.Context(), userID, bookID)
	if err != nil {
		WriteError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	userID, bookID, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.service.Return(r.Context(), userID, bookID)
	if err != nil {
		WriteError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

func (h *Handler) HandleHold(w http.ResponseWriter, r *http.Request) {
	userID, bookID, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.service.Hold(r.Context(), userID, bookID)
	if err != nil {
		WriteError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleHoldPosition(w http.ResponseWriter, r *http.Request) {
	userID, bookID, ok := h.target(w, r)
	if !ok {
		return
	}
	position, err := h.service.HoldPosition(r.Context(), userID, bookID)
	if err != nil {
		WriteError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"book_id":  bookID,
		"user_id":  userID,
		"position": position,
	})
}

// HandleHistory lists the journaled lending events of a book.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respond.Error(w, http.StatusNotImplemented, respond.Problem{Kind: "unavailable", Code: "journal_disabled", Message: "lending journal is not configured"})
		return
	}
	bookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "invalid_book_id", Message: "book id must be a UUID"})
		return
	}
	if _, err := h.service.Book(r.Context(), bookID); err != nil {
		WriteError(w, err)
		return
	}
	events, err := h.history.History(r.Context(), bookID)
	if err != nil {
		WriteError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"book_id": bookID,
		"events":  events,
	})
}

// target resolves the book from the path and the acting user from the
// principal. Admins may act for another member with ?user_id=.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (userID, bookID uuid.UUID, ok bool) {
	p, found := access.FromContext(r.Context())
	if !found {
		respond.Error(w, http.StatusUnauthorized, respond.Problem{Kind: "unauthorized", Code: "no_principal", Message: "unauthorized request (no roles found)"})
		return uuid.Nil, uuid.Nil, false
	}
	bookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "invalid_book_id", Message: "book id must be a UUID"})
		return uuid.Nil, uuid.Nil, false
	}

	userID = p.UserID
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		if !p.HasRole(access.RoleAdmin) {
			respond.Error(w, http.StatusForbidden, respond.Problem{Kind: "forbidden", Code: "insufficient_clearance", Message: "forbidden request (insufficient clearance)"})
			return uuid.Nil, uuid.Nil, false
		}
		if userID, err = uuid.Parse(raw); err != nil {
			respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "invalid_user_id", Message: "user_id must be a UUID"})
			return uuid.Nil, uuid.Nil, false
		}
	}
	return userID, bookID, true
}

// StatusClientClosedRequest is reported when the caller went away before the
// operation finished.
const StatusClientClosedRequest = 499

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacityViolation, KindStateConflict:
		return http.StatusConflict
	case KindConcurrencyConflict:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// WriteError renders err in the lending error envelope.
func WriteError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	p := respond.Problem{
		Kind:    string(kind),
		Code:    CodeOf(err),
		Message: err.Error(),
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		if lerr.BookID != uuid.Nil {
			p.BookID = lerr.BookID.String()
		}
		if lerr.UserID != uuid.Nil {
			p.UserID = lerr.UserID.String()
		}
	}
	switch kind {
	case KindConcurrencyConflict:
		w.Header().Set("Retry-After", "1")
	case KindUnexpected:
		p.Message = "internal error"
	}
	respond.Error(w, StatusFor(kind), p)
}
