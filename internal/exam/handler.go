package exam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"examhub/internal/app/apiresp"
	"examhub/internal/identity"
	"examhub/internal/matrix"
)

type Handler struct {
	svc      examService
	validate *validator.Validate
}

type examService interface {
	CreateExam(ctx context.Context, in CreateExamInput) (*Exam, error)
	UpdateExam(ctx context.Context, in UpdateExamInput) (*Exam, error)
	DeleteExam(ctx context.Context, examID int64) error
	GetExam(ctx context.Context, examID int64) (*Exam, error)
	ListExams(ctx context.Context, includeInactive bool) ([]Exam, error)
	SetFixedQuestions(ctx context.Context, examID int64, questions []FixedQuestion) error
	StartAttempt(ctx context.Context, examID, studentID int64, password string) (*Attempt, error)
	GetAttemptSummary(ctx context.Context, attemptID int64) (*AttemptSummary, error)
	GetAttemptQuestions(ctx context.Context, attemptID int64) ([]AttemptQuestion, error)
	GetAttemptResult(ctx context.Context, attemptID int64, viewerIsStudent bool) (*AttemptResult, error)
	GetAttemptOwner(ctx context.Context, attemptID int64) (int64, error)
	SaveAnswer(ctx context.Context, in SaveAnswerInput) error
	SubmitAttempt(ctx context.Context, attemptID int64) (*AttemptSummary, error)
	StudentGrade(ctx context.Context, examID, studentID int64) (*Grade, error)
}

func NewHandler(svc examService) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

type startAttemptRequest struct {
	ExamID    int64  `json:"exam_id"`
	StudentID int64  `json:"student_id"`
	Password  string `json:"password"`
}

type saveAnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

type examManageRequest struct {
	Title                  string  `json:"title" validate:"required"`
	MatrixID               *int64  `json:"matrix_id"`
	DurationMinutes        int     `json:"duration_minutes" validate:"min=0"`
	PassThreshold          float64 `json:"pass_threshold" validate:"min=0,max=100"`
	MaxAttempts            int     `json:"max_attempts" validate:"min=0"`
	ScoringMethod          string  `json:"scoring_method" validate:"omitempty,oneof=average highest most_recent"`
	Password               *string `json:"password"`
	StartAt                string  `json:"start_at"`
	EndAt                  string  `json:"end_at"`
	RandomizeQuestions     bool    `json:"randomize_questions"`
	RandomizeOptions       bool    `json:"randomize_options"`
	ShowResultsImmediately bool    `json:"show_results_immediately"`
	ShowCorrectAnswers     bool    `json:"show_correct_answers"`
}

type setQuestionsRequest struct {
	Questions []FixedQuestion `json:"questions" validate:"min=1"`
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExamID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "exam_id is required")
		return
	}

	p, ok := identity.CurrentPrincipal(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	if p.IsPrivileged() {
		if req.StudentID <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "student_id is required for teacher/admin")
			return
		}
	} else {
		if req.StudentID > 0 && req.StudentID != p.ID {
			apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		req.StudentID = p.ID
	}

	attempt, err := h.svc.StartAttempt(r.Context(), req.ExamID, req.StudentID, req.Password)
	if err != nil {
		h.writeStartError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, attempt)
}

func (h *Handler) writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	var shortage *matrix.ShortageError
	switch {
	case errors.Is(err, ErrExamNotFound), errors.Is(err, matrix.ErrMatrixNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrExamNotOpen), errors.Is(err, ErrExamClosed),
		errors.Is(err, ErrAttemptLimitReached):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrExamPasswordRequired), errors.Is(err, ErrExamPasswordInvalid):
		apiresp.WriteError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrExamHasNoQuestions):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &shortage):
		apiresp.WriteErrorDetails(w, r, http.StatusUnprocessableEntity, shortage.Error(), shortage.Shortages)
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorizeAttempt(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.GetAttemptSummary(r.Context(), attemptID)
	if err != nil {
		h.writeAttemptError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, summary)
}

func (h *Handler) GetAttemptQuestions(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorizeAttempt(w, r)
	if !ok {
		return
	}
	questions, err := h.svc.GetAttemptQuestions(r.Context(), attemptID)
	if err != nil {
		h.writeAttemptError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, questions)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorizeAttempt(w, r)
	if !ok {
		return
	}
	questionID, err := strconv.ParseInt(chi.URLParam(r, "questionID"), 10, 64)
	if err != nil || questionID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}

	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	err = h.svc.SaveAnswer(r.Context(), SaveAnswerInput{
		AttemptID:  attemptID,
		QuestionID: questionID,
		RawAnswer:  req.Answer,
	})
	if err != nil {
		h.writeAttemptError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]bool{"saved": true})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorizeAttempt(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.SubmitAttempt(r.Context(), attemptID)
	if err != nil {
		h.writeAttemptError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, summary)
}

func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.authorizeAttempt(w, r)
	if !ok {
		return
	}
	p, _ := identity.CurrentPrincipal(r.Context())
	result, err := h.svc.GetAttemptResult(r.Context(), attemptID, p.IsStudent())
	if err != nil {
		h.writeAttemptError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, result)
}

func (h *Handler) Grade(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || examID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}

	p, ok := identity.CurrentPrincipal(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	studentID := p.ID
	if p.IsPrivileged() {
		if v := r.URL.Query().Get("student_id"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed <= 0 {
				apiresp.WriteError(w, r, http.StatusBadRequest, "invalid student id")
				return
			}
			studentID = parsed
		}
	}

	grade, err := h.svc.StudentGrade(r.Context(), examID, studentID)
	if err != nil {
		h.writeAttemptError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, grade)
}

// authorizeAttempt parses the attempt id and enforces ownership: students may
// only touch their own attempts, teachers and admins may touch any.
func (h *Handler) authorizeAttempt(w http.ResponseWriter, r *http.Request) (int64, bool) {
	attemptID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || attemptID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid attempt id")
		return 0, false
	}

	p, ok := identity.CurrentPrincipal(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	if p.IsPrivileged() {
		return attemptID, true
	}

	owner, err := h.svc.GetAttemptOwner(r.Context(), attemptID)
	if err != nil {
		h.writeAttemptError(w, r, err)
		return 0, false
	}
	if owner != p.ID {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return 0, false
	}
	return attemptID, true
}

func (h *Handler) writeAttemptError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAttemptNotFound), errors.Is(err, ErrExamNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAttemptExpired):
		apiresp.WriteError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, ErrAttemptNotEditable), errors.Is(err, ErrAttemptNotFinal):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrQuestionNotInAttempt), errors.Is(err, ErrMalformedAnswer):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrResultNotAvailable), errors.Is(err, ErrAttemptForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// --- admin exam management ---

func (h *Handler) ListExams(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "1"
	items, err := h.svc.ListExams(r.Context(), includeInactive)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) GetExam(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || examID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}
	exam, err := h.svc.GetExam(r.Context(), examID)
	if err != nil {
		if errors.Is(err, ErrExamNotFound) {
			apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
			return
		}
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, exam)
}

func (h *Handler) CreateExam(w http.ResponseWriter, r *http.Request) {
	_, in, ok := h.decodeExamRequest(w, r)
	if !ok {
		return
	}

	exam, err := h.svc.CreateExam(r.Context(), *in)
	if err != nil {
		h.writeExamManageError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, exam)
}

func (h *Handler) UpdateExam(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || examID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}

	req, in, ok := h.decodeExamRequest(w, r)
	if !ok {
		return
	}

	exam, err := h.svc.UpdateExam(r.Context(), UpdateExamInput{
		ID:                     examID,
		Title:                  in.Title,
		MatrixID:               in.MatrixID,
		DurationMinutes:        in.DurationMinutes,
		PassThreshold:          in.PassThreshold,
		MaxAttempts:            in.MaxAttempts,
		ScoringMethod:          in.ScoringMethod,
		Password:               req.Password,
		StartAt:                in.StartAt,
		EndAt:                  in.EndAt,
		RandomizeQuestions:     in.RandomizeQuestions,
		RandomizeOptions:       in.RandomizeOptions,
		ShowResultsImmediately: in.ShowResultsImmediately,
		ShowCorrectAnswers:     in.ShowCorrectAnswers,
	})
	if err != nil {
		h.writeExamManageError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, exam)
}

func (h *Handler) DeleteExam(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || examID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}
	if err := h.svc.DeleteExam(r.Context(), examID); err != nil {
		h.writeExamManageError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) SetQuestions(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || examID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}

	var req setQuestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.SetFixedQuestions(r.Context(), examID, req.Questions); err != nil {
		h.writeExamManageError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]bool{"updated": true})
}

func (h *Handler) decodeExamRequest(w http.ResponseWriter, r *http.Request) (*examManageRequest, *CreateExamInput, bool) {
	var req examManageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return nil, nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}

	startAt, ok := parseOptionalTime(req.StartAt)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid start_at")
		return nil, nil, false
	}
	endAt, ok := parseOptionalTime(req.EndAt)
	if !ok {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid end_at")
		return nil, nil, false
	}

	in := &CreateExamInput{
		Title:                  req.Title,
		MatrixID:               req.MatrixID,
		DurationMinutes:        req.DurationMinutes,
		PassThreshold:          req.PassThreshold,
		MaxAttempts:            req.MaxAttempts,
		ScoringMethod:          req.ScoringMethod,
		StartAt:                startAt,
		EndAt:                  endAt,
		RandomizeQuestions:     req.RandomizeQuestions,
		RandomizeOptions:       req.RandomizeOptions,
		ShowResultsImmediately: req.ShowResultsImmediately,
		ShowCorrectAnswers:     req.ShowCorrectAnswers,
	}
	if req.Password != nil {
		in.Password = *req.Password
	}
	return &req, in, true
}

func (h *Handler) writeExamManageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrExamNotFound), errors.Is(err, matrix.ErrMatrixNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrExamLocked):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parseOptionalTime(v string) (*time.Time, bool) {
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &t, true
}
