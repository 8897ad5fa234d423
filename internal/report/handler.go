package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"examhub/internal/app/apiresp"
)

type Handler struct {
	svc reportService
}

type reportService interface {
	ExamStatistics(ctx context.Context, examID int64) (*ExamStatistics, error)
	StudentGrades(ctx context.Context, examID int64) ([]StudentGradeRow, error)
	ExportGradesExcel(ctx context.Context, examID int64) ([]byte, error)
}

func NewHandler(svc reportService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.ExamStatistics(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, stats)
}

func (h *Handler) Grades(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	grades, err := h.svc.StudentGrades(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, grades)
}

func (h *Handler) ExportGrades(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	data, err := h.svc.ExportGradesExcel(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="exam_%d_grades.xlsx"`, examID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func examIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || examID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return 0, false
	}
	return examID, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrExamNotFound) {
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		return
	}
	apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
}
