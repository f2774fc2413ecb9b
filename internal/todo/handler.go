package todo

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/httpx"
)

// Lister is the part of Store the HTTP handler needs. An empty userID lists every todo.
type Lister interface {
	List(ctx context.Context, userID string, page Page) (ListResult, error)
}

// Handler serves the todo listing endpoints.
type Handler struct {
	lister Lister
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(lister Lister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{lister: lister, logger: logger}
}

// Routes mounts GET /todos and GET /todos/{userId}.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/todos", h.listAll)
	r.Get("/todos/{userId}", h.listByUser)
}

func (h *Handler) listAll(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePage(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.list(w, r, "", page)
}

func (h *Handler) listByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := ParseUserID(chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := ParsePage(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.list(w, r, userID, page)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, userID string, page Page) {
	res, err := h.lister.List(r.Context(), userID, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		httpx.WriteError(w, http.StatusBadRequest, validationErr.Message, validationErr.Details...)
		return
	}
	h.logger.Error("listing todos failed",
		zap.String("request_id", httpx.GetRequestID(r.Context())),
		zap.Error(err))
	httpx.InternalError(w)
}
