package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bookworm/internal/access"
	"bookworm/internal/lending"
	"bookworm/internal/respond"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the catalog. Reads are public; mutations require a
// principal allowed to modify the catalog.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books", h.HandleListBooks)
	r.Get("/books/{id}", h.HandleGetBook)
	r.Group(func(r chi.Router) {
		r.Use(access.RequireCatalogAdmin)
		r.Post("/books", h.HandleAddBook)
		r.Patch("/books/{id}", h.HandleUpdateBook)
		r.Delete("/books/{id}", h.HandleRemoveBook)
	})
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, books)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	b, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, b)
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var cmd AddBookCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "malformed_body", Message: err.Error()})
		return
	}
	b, err := h.service.AddBook(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, b)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var cmd UpdateBookCommand
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "malformed_body", Message: err.Error()})
		return
	}
	b, err := h.service.UpdateBook(r.Context(), id, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, b)
}

func (h *Handler) HandleRemoveBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveBook(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func bookID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "invalid_book_id", Message: "book id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		respond.Error(w, http.StatusNotFound, respond.Problem{Kind: "not_found", Code: "book_not_found", Message: err.Error()})
	case errors.Is(err, ErrInvalidCommand):
		respond.Error(w, http.StatusBadRequest, respond.Problem{Kind: "invalid_request", Code: "invalid_command", Message: err.Error()})
	case errors.Is(err, ErrCopiesInUse):
		respond.Error(w, http.StatusConflict, respond.Problem{Kind: "state_conflict", Code: "copies_in_use", Message: err.Error()})
	case errors.Is(err, ErrBookInUse):
		respond.Error(w, http.StatusConflict, respond.Problem{Kind: "state_conflict", Code: "book_in_use", Message: err.Error()})
	default:
		// Updates run under the lending lock for the book.
		switch lending.KindOf(err) {
		case lending.KindConcurrencyConflict, lending.KindCanceled:
			lending.WriteError(w, err)
			return
		}
		respond.Error(w, http.StatusInternalServerError, respond.Problem{Kind: "unexpected", Code: "internal", Message: "internal error"})
	}
}
