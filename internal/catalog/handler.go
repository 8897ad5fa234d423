package catalog

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
	svc      catalogService
	validate *validator.Validate
}

type catalogService interface {
	CreateQuestion(ctx context.Context, in CreateQuestionInput) (*Question, error)
	UpdateQuestion(ctx context.Context, in UpdateQuestionInput) (*Question, error)
	DeactivateQuestion(ctx context.Context, id int64) error
	GetQuestion(ctx context.Context, id int64) (*Question, error)
	ListQuestions(ctx context.Context, f Filter) ([]Question, error)
}

func NewHandler(svc catalogService) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

type questionRequest struct {
	QuestionType  string   `json:"question_type" validate:"omitempty,oneof=multiple_choice fill_in"`
	Content       string   `json:"content" validate:"required"`
	Domain        string   `json:"domain" validate:"required"`
	Difficulty    int      `json:"difficulty" validate:"min=0,max=5"`
	AnswerText    string   `json:"answer_text"`
	DefaultPoints float64  `json:"default_points" validate:"min=0"`
	Options       []Option `json:"options"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuestionType == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "question_type is required")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.svc.CreateQuestion(r.Context(), CreateQuestionInput{
		QuestionType:  req.QuestionType,
		Content:       req.Content,
		Domain:        req.Domain,
		Difficulty:    req.Difficulty,
		AnswerText:    req.AnswerText,
		DefaultPoints: req.DefaultPoints,
		Options:       req.Options,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, q)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.svc.UpdateQuestion(r.Context(), UpdateQuestionInput{
		ID:            id,
		Content:       req.Content,
		Domain:        req.Domain,
		Difficulty:    req.Difficulty,
		AnswerText:    req.AnswerText,
		DefaultPoints: req.DefaultPoints,
		Options:       req.Options,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, q)
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}
	if err := h.svc.DeactivateQuestion(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]bool{"deactivated": true})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}
	q, err := h.svc.GetQuestion(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, q)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	f := Filter{
		Criteria: Criteria{
			Domain:       r.URL.Query().Get("domain"),
			QuestionType: r.URL.Query().Get("question_type"),
		},
		ActiveOnly: r.URL.Query().Get("include_inactive") != "1",
	}
	if v := r.URL.Query().Get("difficulty"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 || d > 5 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid difficulty")
			return
		}
		f.Difficulty = d
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	items, err := h.svc.ListQuestions(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrQuestionNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrQuestionLocked):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
