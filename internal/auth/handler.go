package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oagudo/signup-outbox/internal/httpx"
)

// Registrar is the part of Service the HTTP handler needs.
type Registrar interface {
	Register(ctx context.Context, in RegisterInput) (RegisteredUser, error)
}

type registerResponse struct {
	Message string         `json:"message"`
	Data    RegisteredUser `json:"data"`
}

// Handler serves the registration endpoint.
type Handler struct {
	registrar Registrar
	logger    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(registrar Registrar, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registrar: registrar, logger: logger}
}

// Routes mounts POST /auth/register.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.register)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	body, err := httpx.DecodeObject(r)
	if err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}

	in, err := ValidateRegister(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.registrar.Register(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, registerResponse{
		Message: "User registered successfully.",
		Data:    user,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		httpx.WriteError(w, http.StatusBadRequest, validationErr.Message, validationErr.Details...)
	case errors.Is(err, ErrConflict):
		httpx.WriteError(w, http.StatusConflict, "Email is already registered.")
	default:
		h.logger.Error("registration failed",
			zap.String("request_id", httpx.GetRequestID(r.Context())),
			zap.Error(err))
		httpx.InternalError(w)
	}
}
