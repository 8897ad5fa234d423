package exam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"examhub/internal/identity"
	"examhub/internal/matrix"
)

type mockExamService struct {
	createExamFn          func(ctx context.Context, in CreateExamInput) (*Exam, error)
	updateExamFn          func(ctx context.Context, in UpdateExamInput) (*Exam, error)
	deleteExamFn          func(ctx context.Context, examID int64) error
	getExamFn             func(ctx context.Context, examID int64) (*Exam, error)
	listExamsFn           func(ctx context.Context, includeInactive bool) ([]Exam, error)
	setFixedQuestionsFn   func(ctx context.Context, examID int64, questions []FixedQuestion) error
	startAttemptFn        func(ctx context.Context, examID, studentID int64, password string) (*Attempt, error)
	getAttemptSummaryFn   func(ctx context.Context, attemptID int64) (*AttemptSummary, error)
	getAttemptQuestionsFn func(ctx context.Context, attemptID int64) ([]AttemptQuestion, error)
	getAttemptResultFn    func(ctx context.Context, attemptID int64, viewerIsStudent bool) (*AttemptResult, error)
	getAttemptOwnerFn     func(ctx context.Context, attemptID int64) (int64, error)
	saveAnswerFn          func(ctx context.Context, in SaveAnswerInput) error
	submitAttemptFn       func(ctx context.Context, attemptID int64) (*AttemptSummary, error)
	studentGradeFn        func(ctx context.Context, examID, studentID int64) (*Grade, error)
}

func (m *mockExamService) CreateExam(ctx context.Context, in CreateExamInput) (*Exam, error) {
	if m.createExamFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createExamFn(ctx, in)
}

func (m *mockExamService) UpdateExam(ctx context.Context, in UpdateExamInput) (*Exam, error) {
	if m.updateExamFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.updateExamFn(ctx, in)
}

func (m *mockExamService) DeleteExam(ctx context.Context, examID int64) error {
	if m.deleteExamFn == nil {
		return errors.New("not implemented")
	}
	return m.deleteExamFn(ctx, examID)
}

func (m *mockExamService) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	if m.getExamFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getExamFn(ctx, examID)
}

func (m *mockExamService) ListExams(ctx context.Context, includeInactive bool) ([]Exam, error) {
	if m.listExamsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listExamsFn(ctx, includeInactive)
}

func (m *mockExamService) SetFixedQuestions(ctx context.Context, examID int64, questions []FixedQuestion) error {
	if m.setFixedQuestionsFn == nil {
		return errors.New("not implemented")
	}
	return m.setFixedQuestionsFn(ctx, examID, questions)
}

func (m *mockExamService) StartAttempt(ctx context.Context, examID, studentID int64, password string) (*Attempt, error) {
	if m.startAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.startAttemptFn(ctx, examID, studentID, password)
}

func (m *mockExamService) GetAttemptSummary(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
	if m.getAttemptSummaryFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getAttemptSummaryFn(ctx, attemptID)
}

func (m *mockExamService) GetAttemptQuestions(ctx context.Context, attemptID int64) ([]AttemptQuestion, error) {
	if m.getAttemptQuestionsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getAttemptQuestionsFn(ctx, attemptID)
}

func (m *mockExamService) GetAttemptResult(ctx context.Context, attemptID int64, viewerIsStudent bool) (*AttemptResult, error) {
	if m.getAttemptResultFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getAttemptResultFn(ctx, attemptID, viewerIsStudent)
}

func (m *mockExamService) GetAttemptOwner(ctx context.Context, attemptID int64) (int64, error) {
	if m.getAttemptOwnerFn == nil {
		return 0, errors.New("not implemented")
	}
	return m.getAttemptOwnerFn(ctx, attemptID)
}

func (m *mockExamService) SaveAnswer(ctx context.Context, in SaveAnswerInput) error {
	if m.saveAnswerFn == nil {
		return errors.New("not implemented")
	}
	return m.saveAnswerFn(ctx, in)
}

func (m *mockExamService) SubmitAttempt(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
	if m.submitAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.submitAttemptFn(ctx, attemptID)
}

func (m *mockExamService) StudentGrade(ctx context.Context, examID, studentID int64) (*Grade, error) {
	if m.studentGradeFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.studentGradeFn(ctx, examID, studentID)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func asPrincipal(r *http.Request, id int64, role string) *http.Request {
	return r.WithContext(identity.WithPrincipal(r.Context(), identity.Principal{ID: id, Role: role}))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStartUsesPrincipalIDForStudents(t *testing.T) {
	var gotExamID, gotStudentID int64
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, examID, studentID int64, password string) (*Attempt, error) {
			gotExamID = examID
			gotStudentID = studentID
			return &Attempt{ID: 1, ExamID: examID, StudentID: studentID, Status: StatusInProgress,
				StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	})

	payload := []byte(`{"exam_id":2}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", bytes.NewReader(payload))
	req = asPrincipal(req, 15, identity.RoleStudent)
	w := httptest.NewRecorder()

	h.Start(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotExamID != 2 {
		t.Fatalf("expected exam_id=2, got %d", gotExamID)
	}
	if gotStudentID != 15 {
		t.Fatalf("expected student_id forced to 15, got %d", gotStudentID)
	}
}

func TestStartTeacherRequiresStudentID(t *testing.T) {
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, examID, studentID int64, password string) (*Attempt, error) {
			return &Attempt{ID: 1}, nil
		},
	})

	payload := []byte(`{"exam_id":2}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", bytes.NewReader(payload))
	req = asPrincipal(req, 7, identity.RoleTeacher)
	w := httptest.NewRecorder()

	h.Start(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] == nil {
		t.Fatalf("expected error payload")
	}
}

func TestStartShortageMapsTo422(t *testing.T) {
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, examID, studentID int64, password string) (*Attempt, error) {
			return nil, &matrix.ShortageError{
				MatrixID:  3,
				Shortages: []matrix.Shortage{{ItemID: 9, Needed: 10, Available: 6}},
			}
		},
	})

	payload := []byte(`{"exam_id":2}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", bytes.NewReader(payload))
	req = asPrincipal(req, 15, identity.RoleStudent)
	w := httptest.NewRecorder()

	h.Start(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errPayload, _ := body["error"].(map[string]interface{})
	if errPayload == nil || errPayload["details"] == nil {
		t.Fatalf("expected shortage details in error payload, got %v", body)
	}
}

func TestStartErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "exam not found", err: ErrExamNotFound, want: http.StatusNotFound},
		{name: "not open", err: ErrExamNotOpen, want: http.StatusForbidden},
		{name: "closed", err: ErrExamClosed, want: http.StatusForbidden},
		{name: "limit reached", err: ErrAttemptLimitReached, want: http.StatusForbidden},
		{name: "password required", err: ErrExamPasswordRequired, want: http.StatusUnauthorized},
		{name: "password invalid", err: ErrExamPasswordInvalid, want: http.StatusUnauthorized},
		{name: "no questions", err: ErrExamHasNoQuestions, want: http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockExamService{
				startAttemptFn: func(ctx context.Context, examID, studentID int64, password string) (*Attempt, error) {
					return nil, tc.err
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/start", bytes.NewReader([]byte(`{"exam_id":2}`)))
			req = asPrincipal(req, 15, identity.RoleStudent)
			w := httptest.NewRecorder()

			h.Start(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestGetAttemptForbiddenForNonOwner(t *testing.T) {
	calledSummary := false
	h := NewHandler(&mockExamService{
		getAttemptOwnerFn: func(ctx context.Context, attemptID int64) (int64, error) { return 99, nil },
		getAttemptSummaryFn: func(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
			calledSummary = true
			return &AttemptSummary{}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attempts/10", nil)
	req = withChiParam(req, "id", "10")
	req = asPrincipal(req, 1, identity.RoleStudent)
	w := httptest.NewRecorder()

	h.GetAttempt(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if calledSummary {
		t.Fatalf("summary must not be fetched when forbidden")
	}
}

func TestGetAttemptSkipsOwnerCheckForAdmin(t *testing.T) {
	calledOwner := false
	h := NewHandler(&mockExamService{
		getAttemptOwnerFn: func(ctx context.Context, attemptID int64) (int64, error) {
			calledOwner = true
			return 99, nil
		},
		getAttemptSummaryFn: func(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
			summary := &AttemptSummary{}
			summary.ID = attemptID
			summary.Status = StatusInProgress
			summary.ExpiresAt = time.Now().Add(time.Minute)
			return summary, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attempts/11", nil)
	req = withChiParam(req, "id", "11")
	req = asPrincipal(req, 7, identity.RoleAdmin)
	w := httptest.NewRecorder()

	h.GetAttempt(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if calledOwner {
		t.Fatalf("owner lookup should be skipped for privileged roles")
	}
}

func TestSaveAnswerExpiredMapsTo410(t *testing.T) {
	h := NewHandler(&mockExamService{
		getAttemptOwnerFn: func(ctx context.Context, attemptID int64) (int64, error) { return 1, nil },
		saveAnswerFn: func(ctx context.Context, in SaveAnswerInput) error {
			return ErrAttemptExpired
		},
	})

	payload := []byte(`{"answer":{"selected":["A"]}}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/attempts/12/answers/10", bytes.NewReader(payload))
	req = withChiParam(req, "id", "12")
	req = withChiParam(req, "questionID", "10")
	req = asPrincipal(req, 1, identity.RoleStudent)
	w := httptest.NewRecorder()

	h.SaveAnswer(w, req)

	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", w.Code)
	}
}

func TestSaveAnswerErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not editable", err: ErrAttemptNotEditable, want: http.StatusConflict},
		{name: "question not in attempt", err: ErrQuestionNotInAttempt, want: http.StatusBadRequest},
		{name: "malformed answer", err: ErrMalformedAnswer, want: http.StatusBadRequest},
		{name: "not found", err: ErrAttemptNotFound, want: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockExamService{
				getAttemptOwnerFn: func(ctx context.Context, attemptID int64) (int64, error) { return 1, nil },
				saveAnswerFn: func(ctx context.Context, in SaveAnswerInput) error {
					return tc.err
				},
			})

			payload := []byte(`{"answer":"A"}`)
			req := httptest.NewRequest(http.MethodPut, "/api/v1/attempts/12/answers/10", bytes.NewReader(payload))
			req = withChiParam(req, "id", "12")
			req = withChiParam(req, "questionID", "10")
			req = asPrincipal(req, 1, identity.RoleStudent)
			w := httptest.NewRecorder()

			h.SaveAnswer(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestSubmitIdempotentReturnsSameSummary(t *testing.T) {
	submittedAt := time.Now()
	fixed := &AttemptSummary{TotalQuestions: 4, Answered: 4}
	fixed.ID = 55
	fixed.ExamID = 1
	fixed.StudentID = 2
	fixed.Status = StatusGraded
	fixed.SubmittedAt = &submittedAt

	submitCalls := 0
	h := NewHandler(&mockExamService{
		getAttemptOwnerFn: func(ctx context.Context, attemptID int64) (int64, error) { return 2, nil },
		submitAttemptFn: func(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
			submitCalls++
			return fixed, nil
		},
	})

	callSubmit := func() map[string]interface{} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/55/submit", nil)
		req = withChiParam(req, "id", "55")
		req = asPrincipal(req, 2, identity.RoleStudent)
		w := httptest.NewRecorder()
		h.Submit(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		return decodeBody(t, w)
	}

	first := callSubmit()
	second := callSubmit()

	if submitCalls != 2 {
		t.Fatalf("expected submit called twice, got %d", submitCalls)
	}
	firstData, _ := json.Marshal(first["data"])
	secondData, _ := json.Marshal(second["data"])
	if string(firstData) != string(secondData) {
		t.Fatalf("expected identical summaries on repeated submit")
	}
}

func TestResultNotAvailableMapsTo403(t *testing.T) {
	h := NewHandler(&mockExamService{
		getAttemptOwnerFn: func(ctx context.Context, attemptID int64) (int64, error) { return 2, nil },
		getAttemptResultFn: func(ctx context.Context, attemptID int64, viewerIsStudent bool) (*AttemptResult, error) {
			if !viewerIsStudent {
				t.Fatalf("expected student viewer flag")
			}
			return nil, ErrResultNotAvailable
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attempts/55/result", nil)
	req = withChiParam(req, "id", "55")
	req = asPrincipal(req, 2, identity.RoleStudent)
	w := httptest.NewRecorder()

	h.Result(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestGradePrivilegedCanQueryOtherStudent(t *testing.T) {
	var gotStudentID int64
	h := NewHandler(&mockExamService{
		studentGradeFn: func(ctx context.Context, examID, studentID int64) (*Grade, error) {
			gotStudentID = studentID
			return &Grade{ExamID: examID, StudentID: studentID, ScoringMethod: ScoringMethodHighest}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/3/grade?student_id=42", nil)
	req = withChiParam(req, "id", "3")
	req = asPrincipal(req, 7, identity.RoleTeacher)
	w := httptest.NewRecorder()

	h.Grade(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotStudentID != 42 {
		t.Fatalf("expected student_id=42, got %d", gotStudentID)
	}
}

func TestGradeStudentIgnoresStudentIDParam(t *testing.T) {
	var gotStudentID int64
	h := NewHandler(&mockExamService{
		studentGradeFn: func(ctx context.Context, examID, studentID int64) (*Grade, error) {
			gotStudentID = studentID
			return &Grade{ExamID: examID, StudentID: studentID}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/3/grade?student_id=42", nil)
	req = withChiParam(req, "id", "3")
	req = asPrincipal(req, 9, identity.RoleStudent)
	w := httptest.NewRecorder()

	h.Grade(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotStudentID != 9 {
		t.Fatalf("expected principal's own id 9, got %d", gotStudentID)
	}
}

func TestUpdateExamLockedMapsTo409(t *testing.T) {
	h := NewHandler(&mockExamService{
		updateExamFn: func(ctx context.Context, in UpdateExamInput) (*Exam, error) {
			return nil, ErrExamLocked
		},
	})

	payload := []byte(`{"title":"Midterm","duration_minutes":60,"pass_threshold":70,"max_attempts":2,"matrix_id":4}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/exams/5", bytes.NewReader(payload))
	req = withChiParam(req, "id", "5")
	req = asPrincipal(req, 7, identity.RoleAdmin)
	w := httptest.NewRecorder()

	h.UpdateExam(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}
