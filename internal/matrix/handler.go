package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"examhub/internal/app/apiresp"
)

type Handler struct {
	svc      matrixService
	validate *validator.Validate
}

type matrixService interface {
	CreateMatrix(ctx context.Context, in CreateMatrixInput) (*Matrix, error)
	GetMatrix(ctx context.Context, id int64) (*Matrix, error)
	ListMatrices(ctx context.Context) ([]Matrix, error)
	Validate(ctx context.Context, matrixID int64) (*Report, error)
}

func NewHandler(svc matrixService) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateMatrixInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.svc.CreateMatrix(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, m)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid matrix id")
		return
	}
	m, err := h.svc.GetMatrix(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, m)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListMatrices(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

// ValidateMatrix reports feasibility against the current active catalog. The
// report itself is the payload: shortages are data here, not an error.
func (h *Handler) ValidateMatrix(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid matrix id")
		return
	}
	report, err := h.svc.Validate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, report)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrMatrixNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
