package membership

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bookworm/internal/access"
	"bookworm/internal/respond"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/register", h.HandleRegister)
	r.Post("/login", h.HandleLogin)
	r.Group(func(r chi.Router) {
		r.Use(access.RequireAuthenticated)
		r.Get("/me", h.HandleMe)
		r.With(access.RequireMemberAdmin).Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Patch("/{id}", h.HandleUpdate)
		r.Delete("/{id}", h.HandleDelete)
	})
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var cmd RegisterCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "malformed_body", Message: err.Error()})
		return
	}
	// Self-service accounts are always plain members.
	cmd.Roles = nil

	u, err := h.service.Register(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, u)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "malformed_body", Message: err.Error()})
		return
	}

	session, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, session)
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := access.FromContext(r.Context())
	u, err := h.service.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	p, _ := access.FromContext(r.Context())
	users, err := h.service.ListMembers(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, users)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, _ := access.FromContext(r.Context())
	id, ok := userID(w, r)
	if !ok {
		return
	}
	u, err := h.service.GetMember(r.Context(), p, id)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	p, _ := access.FromContext(r.Context())
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var cmd UpdateMemberCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "malformed_body", Message: err.Error()})
		return
	}
	u, err := h.service.UpdateMember(r.Context(), p, id, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	p, _ := access.FromContext(r.Context())
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteMember(r.Context(), p, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "invalid_user_id", Message: "user id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	var (
		status int
		p      = respond.Problem{Message: err.Error()}
	)
	switch {
	case errors.Is(err, ErrInvalidRegistration):
		status, p.Kind, p.Code = http.StatusBadRequest, "invalid_request", "invalid_registration"
	case errors.Is(err, ErrEmailTaken):
		status, p.Kind, p.Code = http.StatusConflict, "state_conflict", "email_taken"
	case errors.Is(err, ErrInvalidCredentials):
		status, p.Kind, p.Code = http.StatusUnauthorized, "unauthorized", "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		status, p.Kind, p.Code = http.StatusLocked, "unauthorized", "account_locked"
	case errors.Is(err, ErrRateLimited):
		status, p.Kind, p.Code = http.StatusTooManyRequests, "rate_limited", "rate_limited"
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, ErrUserNotFound):
		status, p.Kind, p.Code = http.StatusNotFound, "not_found", "user_not_found"
	case errors.Is(err, ErrForbidden):
		status, p.Kind, p.Code = http.StatusForbidden, "forbidden", "insufficient_clearance"
	case errors.Is(err, ErrInvalidUpdate):
		status, p.Kind, p.Code = http.StatusBadRequest, "invalid_request", "invalid_update"
	case errors.Is(err, ErrMemberHasLoans):
		status, p.Kind, p.Code = http.StatusConflict, "state_conflict", "member_has_loans"
	case errors.Is(err, ErrMemberHasHolds):
		status, p.Kind, p.Code = http.StatusConflict, "state_conflict", "member_has_holds"
	default:
		status, p.Kind, p.Code, p.Message = http.StatusInternalServerError, "unexpected", "internal", "internal error"
	}
	respond.Error(w, status, p)
}
