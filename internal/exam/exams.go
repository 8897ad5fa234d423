package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrExamLocked   = errors.New("exam question set is locked by existing attempts")
)

// Exam is the public shape; the password hash never leaves the service.
type Exam struct {
	ID                     int64      `json:"id"`
	Title                  string     `json:"title"`
	MatrixID               *int64     `json:"matrix_id,omitempty"`
	DurationMinutes        int        `json:"duration_minutes"`
	PassThreshold          float64    `json:"pass_threshold"`
	MaxAttempts            int        `json:"max_attempts"`
	ScoringMethod          string     `json:"scoring_method"`
	HasPassword            bool       `json:"has_password"`
	StartAt                *time.Time `json:"start_at,omitempty"`
	EndAt                  *time.Time `json:"end_at,omitempty"`
	RandomizeQuestions     bool       `json:"randomize_questions"`
	RandomizeOptions       bool       `json:"randomize_options"`
	ShowResultsImmediately bool       `json:"show_results_immediately"`
	ShowCorrectAnswers     bool       `json:"show_correct_answers"`
	IsActive               bool       `json:"is_active"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type examRow struct {
	Exam
	PasswordHash sql.NullString
}

type FixedQuestion struct {
	QuestionID int64   `json:"question_id"`
	SeqNo      int     `json:"seq_no"`
	Points     float64 `json:"points"`
}

type CreateExamInput struct {
	Title                  string     `validate:"required"`
	MatrixID               *int64     `validate:"-"`
	DurationMinutes        int        `validate:"min=0"`
	PassThreshold          float64    `validate:"min=0,max=100"`
	MaxAttempts            int        `validate:"min=0"`
	ScoringMethod          string     `validate:"omitempty,oneof=average highest most_recent"`
	Password               string     `validate:"-"`
	StartAt                *time.Time `validate:"-"`
	EndAt                  *time.Time `validate:"-"`
	RandomizeQuestions     bool
	RandomizeOptions       bool
	ShowResultsImmediately bool
	ShowCorrectAnswers     bool
}

type UpdateExamInput struct {
	ID                     int64
	Title                  string
	MatrixID               *int64
	DurationMinutes        int
	PassThreshold          float64
	MaxAttempts            int
	ScoringMethod          string
	Password               *string
	StartAt                *time.Time
	EndAt                  *time.Time
	RandomizeQuestions     bool
	RandomizeOptions       bool
	ShowResultsImmediately bool
	ShowCorrectAnswers     bool
}

func (s *Service) CreateExam(ctx context.Context, in CreateExamInput) (*Exam, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, ErrInvalidInput
	}
	if in.StartAt != nil && in.EndAt != nil && in.EndAt.Before(*in.StartAt) {
		return nil, ErrInvalidInput
	}

	duration := in.DurationMinutes
	if duration <= 0 {
		duration = s.defaultExamMinutes
	}
	method := strings.TrimSpace(in.ScoringMethod)
	if method == "" {
		method = ScoringMethodHighest
	}

	var passwordHash interface{}
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash exam password: %w", err)
		}
		passwordHash = string(hash)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO exams (
			title, matrix_id, duration_minutes, pass_threshold, max_attempts,
			scoring_method, password_hash, start_at, end_at,
			randomize_questions, randomize_options,
			show_results_immediately, show_correct_answers,
			is_active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,TRUE,now(),now())
		RETURNING id
	`, strings.TrimSpace(in.Title), in.MatrixID, duration, in.PassThreshold, in.MaxAttempts,
		method, passwordHash, in.StartAt, in.EndAt,
		in.RandomizeQuestions, in.RandomizeOptions,
		in.ShowResultsImmediately, in.ShowCorrectAnswers).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert exam: %w", err)
	}

	return s.GetExam(ctx, id)
}

// UpdateExam edits exam metadata. The matrix binding is part of the question
// set and becomes immutable once the first attempt exists, so grading stays
// fair across students.
func (s *Service) UpdateExam(ctx context.Context, in UpdateExamInput) (*Exam, error) {
	if in.ID <= 0 || strings.TrimSpace(in.Title) == "" {
		return nil, ErrInvalidInput
	}

	existing, err := s.loadExamRow(ctx, s.db, in.ID)
	if err != nil {
		return nil, err
	}

	locked, err := s.attemptsExist(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if locked && matrixBindingChanged(existing.MatrixID, in.MatrixID) {
		return nil, ErrExamLocked
	}

	// A matrix binding and a fixed list are mutually exclusive sources;
	// leaving both around would resurrect the stale list on a later unbind.
	if in.MatrixID != nil {
		hasFixed, err := s.fixedQuestionsExist(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		if hasFixed {
			return nil, ErrInvalidInput
		}
	}

	duration := in.DurationMinutes
	if duration <= 0 {
		duration = s.defaultExamMinutes
	}
	method := strings.TrimSpace(in.ScoringMethod)
	if method == "" {
		method = existing.ScoringMethod
	}

	passwordHash := interface{}(nil)
	if existing.PasswordHash.Valid {
		passwordHash = existing.PasswordHash.String
	}
	if in.Password != nil {
		if *in.Password == "" {
			passwordHash = nil
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), s.bcryptCost)
			if err != nil {
				return nil, fmt.Errorf("hash exam password: %w", err)
			}
			passwordHash = string(hash)
		}
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE exams
		SET title = $2,
			matrix_id = $3,
			duration_minutes = $4,
			pass_threshold = $5,
			max_attempts = $6,
			scoring_method = $7,
			password_hash = $8,
			start_at = $9,
			end_at = $10,
			randomize_questions = $11,
			randomize_options = $12,
			show_results_immediately = $13,
			show_correct_answers = $14,
			updated_at = now()
		WHERE id = $1
	`, in.ID, strings.TrimSpace(in.Title), in.MatrixID, duration, in.PassThreshold,
		in.MaxAttempts, method, passwordHash, in.StartAt, in.EndAt,
		in.RandomizeQuestions, in.RandomizeOptions,
		in.ShowResultsImmediately, in.ShowCorrectAnswers); err != nil {
		return nil, fmt.Errorf("update exam: %w", err)
	}

	return s.GetExam(ctx, in.ID)
}

// SetFixedQuestions replaces the exam's fixed question list. Mutually
// exclusive with a matrix binding, and frozen once any attempt exists.
func (s *Service) SetFixedQuestions(ctx context.Context, examID int64, questions []FixedQuestion) error {
	if examID <= 0 || len(questions) == 0 {
		return ErrInvalidInput
	}

	row, err := s.loadExamRow(ctx, s.db, examID)
	if err != nil {
		return err
	}
	if row.MatrixID != nil {
		return ErrInvalidInput
	}

	locked, err := s.attemptsExist(ctx, examID)
	if err != nil {
		return err
	}
	if locked {
		return ErrExamLocked
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set questions tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM exam_questions WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("clear exam questions: %w", err)
	}

	for i, q := range questions {
		if q.QuestionID <= 0 {
			return ErrInvalidInput
		}
		seq := q.SeqNo
		if seq <= 0 {
			seq = i + 1
		}
		points := q.Points
		if points <= 0 {
			points = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exam_questions (exam_id, question_id, seq_no, points)
			VALUES ($1, $2, $3, $4)
		`, examID, q.QuestionID, seq, points); err != nil {
			return fmt.Errorf("insert exam question: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set questions: %w", err)
	}
	return nil
}

// DeleteExam deactivates the exam; attempts and answers stay addressable.
func (s *Service) DeleteExam(ctx context.Context, examID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exams
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1
	`, examID)
	if err != nil {
		return fmt.Errorf("deactivate exam: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate exam rows: %w", err)
	}
	if n == 0 {
		return ErrExamNotFound
	}
	return nil
}

func (s *Service) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	row, err := s.loadExamRow(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	exam := row.Exam
	return &exam, nil
}

func (s *Service) ListExams(ctx context.Context, includeInactive bool) ([]Exam, error) {
	where := "WHERE is_active = TRUE"
	if includeInactive {
		where = ""
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, matrix_id, duration_minutes, pass_threshold, max_attempts,
		       scoring_method, password_hash, start_at, end_at,
		       randomize_questions, randomize_options,
		       show_results_immediately, show_correct_answers,
		       is_active, created_at, updated_at
		FROM exams
		`+where+`
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	defer rows.Close()

	out := make([]Exam, 0)
	for rows.Next() {
		row, err := scanExamRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row.Exam)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exams: %w", err)
	}
	return out, nil
}

func (s *Service) attemptsExist(ctx context.Context, examID int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attempts WHERE exam_id = $1)
	`, examID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check exam attempts: %w", err)
	}
	return exists, nil
}

func (s *Service) fixedQuestionsExist(ctx context.Context, examID int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM exam_questions WHERE exam_id = $1)
	`, examID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check exam questions: %w", err)
	}
	return exists, nil
}

func matrixBindingChanged(before, after *int64) bool {
	if before == nil && after == nil {
		return false
	}
	if before == nil || after == nil {
		return true
	}
	return *before != *after
}

func (s *Service) loadExamRow(ctx context.Context, q queryable, examID int64) (*examRow, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, title, matrix_id, duration_minutes, pass_threshold, max_attempts,
		       scoring_method, password_hash, start_at, end_at,
		       randomize_questions, randomize_options,
		       show_results_immediately, show_correct_answers,
		       is_active, created_at, updated_at
		FROM exams
		WHERE id = $1
	`, examID)
	out, err := scanExamRow(row)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type examScanner interface {
	Scan(dest ...interface{}) error
}

func scanExamRow(r examScanner) (*examRow, error) {
	row := &examRow{}
	var (
		matrixID sql.NullInt64
		startAt  sql.NullTime
		endAt    sql.NullTime
	)
	if err := r.Scan(
		&row.ID,
		&row.Title,
		&matrixID,
		&row.DurationMinutes,
		&row.PassThreshold,
		&row.MaxAttempts,
		&row.ScoringMethod,
		&row.PasswordHash,
		&startAt,
		&endAt,
		&row.RandomizeQuestions,
		&row.RandomizeOptions,
		&row.ShowResultsImmediately,
		&row.ShowCorrectAnswers,
		&row.IsActive,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}
	if matrixID.Valid {
		v := matrixID.Int64
		row.MatrixID = &v
	}
	if startAt.Valid {
		v := startAt.Time
		row.StartAt = &v
	}
	if endAt.Valid {
		v := endAt.Time
		row.EndAt = &v
	}
	row.HasPassword = row.PasswordHash.Valid && row.PasswordHash.String != ""
	return row, nil
}
