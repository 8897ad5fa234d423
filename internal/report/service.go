package report

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"examhub/internal/exam"
)

var ErrExamNotFound = errors.New("exam not found")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ExamStatistics aggregates one exam across all its attempts. Score figures
// cover scored attempts only; an in-progress attempt has no score yet and must
// not drag the average down.
type ExamStatistics struct {
	ExamID        int64   `json:"exam_id"`
	Title         string  `json:"title"`
	TotalAttempts int     `json:"total_attempts"`
	InProgress    int     `json:"in_progress"`
	Graded        int     `json:"graded"`
	Expired       int     `json:"expired"`
	Students      int     `json:"students"`
	AverageScore  float64 `json:"average_score"`
	HighestScore  float64 `json:"highest_score"`
	LowestScore   float64 `json:"lowest_score"`
	PassRate      float64 `json:"pass_rate"`
}

// StudentGradeRow is one student's standing on an exam after applying the
// exam's scoring method across their scored attempts.
type StudentGradeRow struct {
	StudentID  int64   `json:"student_id"`
	Attempts   int     `json:"attempts"`
	BestScore  float64 `json:"best_score"`
	FinalScore float64 `json:"final_score"`
	Passed     bool    `json:"passed"`
}

type examMeta struct {
	Title         string
	PassThreshold float64
	ScoringMethod string
}

func (s *Service) ExamStatistics(ctx context.Context, examID int64) (*ExamStatistics, error) {
	meta, err := s.loadExamMeta(ctx, examID)
	if err != nil {
		return nil, err
	}

	stats := &ExamStatistics{ExamID: examID, Title: meta.Title}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM attempts
		WHERE exam_id = $1
		GROUP BY status
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan attempt count: %w", err)
		}
		stats.TotalAttempts += n
		switch status {
		case exam.StatusInProgress:
			stats.InProgress += n
		case exam.StatusGraded, exam.StatusSubmitted:
			stats.Graded += n
		case exam.StatusExpired:
			stats.Expired += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT student_id)
		FROM attempts
		WHERE exam_id = $1
	`, examID).Scan(&stats.Students); err != nil {
		return nil, fmt.Errorf("count students: %w", err)
	}

	scores, err := s.loadScoredPercentages(ctx, examID)
	if err != nil {
		return nil, err
	}

	scored := summarizeScores(scores, meta.PassThreshold)
	stats.AverageScore = scored.Average
	stats.HighestScore = scored.Highest
	stats.LowestScore = scored.Lowest
	stats.PassRate = scored.PassRate
	return stats, nil
}

func (s *Service) loadScoredPercentages(ctx context.Context, examID int64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT score_percentage
		FROM attempts
		WHERE exam_id = $1
		  AND submitted_at IS NOT NULL
		  AND score_percentage IS NOT NULL
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("load scored percentages: %w", err)
	}
	defer rows.Close()

	out := make([]float64, 0)
	for rows.Next() {
		var pct float64
		if err := rows.Scan(&pct); err != nil {
			return nil, fmt.Errorf("scan scored percentage: %w", err)
		}
		out = append(out, pct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scored percentages: %w", err)
	}
	return out, nil
}

type scoreSummary struct {
	Average  float64
	Highest  float64
	Lowest   float64
	PassRate float64
}

// summarizeScores works on raw scored attempts, not per-student grades: a
// student attempting twice weighs twice in the exam-level average and pass
// rate. The per-student collapse belongs to StudentGrades only.
func summarizeScores(scores []float64, passThreshold float64) scoreSummary {
	if len(scores) == 0 {
		return scoreSummary{}
	}

	total := 0.0
	passed := 0
	out := scoreSummary{Highest: scores[0], Lowest: scores[0]}
	for _, pct := range scores {
		total += pct
		if pct > out.Highest {
			out.Highest = pct
		}
		if pct < out.Lowest {
			out.Lowest = pct
		}
		if exam.Passed(pct, passThreshold) {
			passed++
		}
	}
	out.Average = round2(total / float64(len(scores)))
	out.PassRate = round2(100 * float64(passed) / float64(len(scores)))
	return out
}

// StudentGrades computes each participating student's grade for the exam
// using the exam's own scoring method, sorted by student id.
func (s *Service) StudentGrades(ctx context.Context, examID int64) ([]StudentGradeRow, error) {
	meta, err := s.loadExamMeta(ctx, examID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT student_id, score_percentage, submitted_at
		FROM attempts
		WHERE exam_id = $1
		  AND submitted_at IS NOT NULL
		  AND score_percentage IS NOT NULL
		ORDER BY student_id, submitted_at
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("load scored attempts: %w", err)
	}
	defer rows.Close()

	perStudent := map[int64][]exam.AttemptScore{}
	for rows.Next() {
		var (
			studentID   int64
			pct         float64
			submittedAt time.Time
		)
		if err := rows.Scan(&studentID, &pct, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan scored attempt: %w", err)
		}
		perStudent[studentID] = append(perStudent[studentID], exam.AttemptScore{
			Percentage:  pct,
			SubmittedAt: submittedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scored attempts: %w", err)
	}

	out := make([]StudentGradeRow, 0, len(perStudent))
	for studentID, scores := range perStudent {
		final, ok := exam.AggregateScore(meta.ScoringMethod, scores)
		if !ok {
			continue
		}
		best := 0.0
		for _, sc := range scores {
			if sc.Percentage > best {
				best = sc.Percentage
			}
		}
		out = append(out, StudentGradeRow{
			StudentID:  studentID,
			Attempts:   len(scores),
			BestScore:  best,
			FinalScore: final,
			Passed:     exam.Passed(final, meta.PassThreshold),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// ExportGradesExcel renders the per-student grade sheet as an xlsx workbook.
func (s *Service) ExportGradesExcel(ctx context.Context, examID int64) ([]byte, error) {
	meta, err := s.loadExamMeta(ctx, examID)
	if err != nil {
		return nil, err
	}
	grades, err := s.StudentGrades(ctx, examID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	headers := []string{"student_id", "attempts", "best_score", "final_score", "passed", "exam", "scoring_method"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, g := range grades {
		row := i + 2
		values := []any{
			g.StudentID,
			g.Attempts,
			g.BestScore,
			g.FinalScore,
			g.Passed,
			meta.Title,
			meta.ScoringMethod,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "G", 18)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) loadExamMeta(ctx context.Context, examID int64) (*examMeta, error) {
	m := &examMeta{}
	err := s.db.QueryRowContext(ctx, `
		SELECT title, pass_threshold, scoring_method
		FROM exams
		WHERE id = $1
	`, examID).Scan(&m.Title, &m.PassThreshold, &m.ScoringMethod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load exam meta: %w", err)
	}
	return m, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
