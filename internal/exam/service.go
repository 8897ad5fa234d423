package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"examhub/internal/catalog"
	"examhub/internal/matrix"
)

var (
	ErrExamNotFound         = errors.New("exam not found")
	ErrExamNotOpen          = errors.New("exam is not open yet")
	ErrExamClosed           = errors.New("exam is already closed")
	ErrExamPasswordRequired = errors.New("exam password required")
	ErrExamPasswordInvalid  = errors.New("exam password invalid")
	ErrExamHasNoQuestions   = errors.New("exam has no questions")
	ErrAttemptLimitReached  = errors.New("attempt limit reached")
	ErrAttemptNotFound      = errors.New("attempt not found")
	ErrAttemptNotEditable   = errors.New("attempt is not editable")
	ErrAttemptExpired       = errors.New("attempt time budget elapsed")
	ErrAttemptNotFinal      = errors.New("attempt not final")
	ErrAttemptForbidden     = errors.New("attempt forbidden")
	ErrQuestionNotInAttempt = errors.New("question not in attempt")
	ErrResultNotAvailable   = errors.New("result not available yet")
)

const (
	StatusInProgress = "in_progress"
	StatusSubmitted  = "submitted"
	StatusGraded     = "graded"
	StatusExpired    = "expired"
)

type Service struct {
	db                 *sql.DB
	catalog            *catalog.Service
	matrices           *matrix.Service
	defaultExamMinutes int
	bcryptCost         int
}

func NewService(db *sql.DB, cat *catalog.Service, matrices *matrix.Service, defaultExamMinutes int) *Service {
	if defaultExamMinutes <= 0 {
		defaultExamMinutes = 90
	}
	return &Service{
		db:                 db,
		catalog:            cat,
		matrices:           matrices,
		defaultExamMinutes: defaultExamMinutes,
		bcryptCost:         bcrypt.DefaultCost,
	}
}

type Attempt struct {
	ID              int64             `json:"id"`
	ExamID          int64             `json:"exam_id"`
	StudentID       int64             `json:"student_id"`
	Status          string            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	SubmittedAt     *time.Time        `json:"submitted_at,omitempty"`
	TotalScore      *float64          `json:"total_score,omitempty"`
	MaxScore        *float64          `json:"max_score,omitempty"`
	ScorePercentage *float64          `json:"score_percentage,omitempty"`
	Questions       []AttemptQuestion `json:"questions,omitempty"`
}

// AttemptQuestion is one entry of the frozen question list: the resolved
// order, the attempt-scoped point value, and the presented option order.
type AttemptQuestion struct {
	QuestionID  int64    `json:"question_id"`
	SeqNo       int      `json:"seq_no"`
	Points      float64  `json:"points"`
	OptionOrder []string `json:"option_order,omitempty"`
}

type AttemptSummary struct {
	Attempt
	TotalQuestions int   `json:"total_questions"`
	Answered       int   `json:"answered"`
	RemainingSecs  int64 `json:"remaining_secs"`
}

type SaveAnswerInput struct {
	AttemptID  int64
	QuestionID int64
	RawAnswer  json.RawMessage
}

type ResultItem struct {
	QuestionID int64    `json:"question_id"`
	SeqNo      int      `json:"seq_no"`
	Points     float64  `json:"points"`
	Earned     float64  `json:"earned"`
	Answered   bool     `json:"answered"`
	IsCorrect  *bool    `json:"is_correct,omitempty"`
	Selected   []string `json:"selected,omitempty"`
	FreeText   string   `json:"free_text,omitempty"`
	Correct    []string `json:"correct,omitempty"`
}

type AttemptResult struct {
	Summary AttemptSummary `json:"summary"`
	Passed  bool           `json:"passed"`
	Items   []ResultItem   `json:"items"`
}

type attemptRow struct {
	ID              int64
	ExamID          int64
	StudentID       int64
	Status          string
	StartedAt       time.Time
	ExpiresAt       time.Time
	SubmittedAt     sql.NullTime
	TotalScore      sql.NullFloat64
	MaxScore        sql.NullFloat64
	ScorePercentage sql.NullFloat64
}

// StartAttempt is idempotent per (student, exam): a live in-progress attempt
// is resumed, never duplicated. All preconditions are checked before any row
// is written; attempts past max_attempts are rejected here, not after the
// fact.
func (s *Service) StartAttempt(ctx context.Context, examID, studentID int64, password string) (*Attempt, error) {
	row, err := s.loadExamRow(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	if !row.IsActive {
		return nil, ErrExamNotFound
	}

	if existing, err := s.resumableAttempt(ctx, examID, studentID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now()
	if err := checkAvailabilityWindow(now, row.StartAt, row.EndAt); err != nil {
		return nil, err
	}
	if err := checkExamPassword(row.PasswordHash, password); err != nil {
		return nil, err
	}

	if row.MaxAttempts > 0 {
		var prior int
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM attempts WHERE exam_id = $1 AND student_id = $2
		`, examID, studentID).Scan(&prior); err != nil {
			return nil, fmt.Errorf("count prior attempts: %w", err)
		}
		if prior >= row.MaxAttempts {
			return nil, ErrAttemptLimitReached
		}
	}

	attempt, err := s.createAttempt(ctx, row, studentID, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the double-start race; the winner's attempt is the one.
			if existing, rerr := s.resumableAttempt(ctx, examID, studentID); rerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return attempt, nil
}

// resumableAttempt returns the student's live in-progress attempt, lazily
// finalizing it as expired first when its deadline has passed.
func (s *Service) resumableAttempt(ctx context.Context, examID, studentID int64) (*Attempt, error) {
	row := &attemptRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, exam_id, student_id, status, started_at, expires_at,
		       submitted_at, total_score, max_score, score_percentage
		FROM attempts
		WHERE exam_id = $1 AND student_id = $2 AND status = $3
	`, examID, studentID, StatusInProgress).Scan(
		&row.ID, &row.ExamID, &row.StudentID, &row.Status, &row.StartedAt, &row.ExpiresAt,
		&row.SubmittedAt, &row.TotalScore, &row.MaxScore, &row.ScorePercentage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query in-progress attempt: %w", err)
	}

	if time.Now().After(row.ExpiresAt) {
		if _, err := s.finalizeAttempt(ctx, row.ID, StatusExpired); err != nil {
			return nil, err
		}
		return nil, nil
	}

	attempt := attemptFromRow(row)
	questions, err := s.loadAttemptQuestions(ctx, s.db, row.ID)
	if err != nil {
		return nil, err
	}
	attempt.Questions = questions
	return attempt, nil
}

func (s *Service) createAttempt(ctx context.Context, row *examRow, studentID int64, now time.Time) (*Attempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin start attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selected, err := s.resolveQuestions(ctx, tx, row)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(time.Duration(row.DurationMinutes) * time.Minute)
	if row.EndAt != nil && row.EndAt.Before(expiresAt) {
		expiresAt = *row.EndAt
	}

	created := &attemptRow{}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO attempts (exam_id, student_id, status, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, exam_id, student_id, status, started_at, expires_at,
		          submitted_at, total_score, max_score, score_percentage
	`, row.ID, studentID, StatusInProgress, now, expiresAt).Scan(
		&created.ID, &created.ExamID, &created.StudentID, &created.Status,
		&created.StartedAt, &created.ExpiresAt, &created.SubmittedAt,
		&created.TotalScore, &created.MaxScore, &created.ScorePercentage,
	); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	questions := make([]AttemptQuestion, 0, len(selected))
	for _, sq := range selected {
		var orderJSON interface{}
		if len(sq.OptionOrder) > 0 {
			b, err := json.Marshal(sq.OptionOrder)
			if err != nil {
				return nil, fmt.Errorf("encode option order: %w", err)
			}
			orderJSON = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_questions (attempt_id, question_id, seq_no, points, option_order)
			VALUES ($1, $2, $3, $4, $5::jsonb)
		`, created.ID, sq.QuestionID, sq.SeqNo, sq.Points, orderJSON); err != nil {
			return nil, fmt.Errorf("freeze attempt question: %w", err)
		}
		questions = append(questions, AttemptQuestion{
			QuestionID:  sq.QuestionID,
			SeqNo:       sq.SeqNo,
			Points:      sq.Points,
			OptionOrder: sq.OptionOrder,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit start attempt: %w", err)
	}

	attempt := attemptFromRow(created)
	attempt.Questions = questions
	return attempt, nil
}

// SaveAnswer upserts one answer record, last write wins. Rejections name the
// failed precondition: a finalized attempt is not editable, an elapsed time
// budget is reported as expiry so the client can say "time's up".
func (s *Service) SaveAnswer(ctx context.Context, in SaveAnswerInput) error {
	row, err := s.loadAttemptRow(ctx, s.db, in.AttemptID)
	if err != nil {
		return err
	}

	if row.Status != StatusInProgress {
		return ErrAttemptNotEditable
	}
	if time.Now().After(row.ExpiresAt) {
		_, _ = s.finalizeAttempt(ctx, in.AttemptID, StatusExpired)
		return ErrAttemptExpired
	}

	var questionType string
	err = s.db.QueryRowContext(ctx, `
		SELECT q.question_type
		FROM attempt_questions aq
		JOIN questions q ON q.id = aq.question_id
		WHERE aq.attempt_id = $1 AND aq.question_id = $2
	`, in.AttemptID, in.QuestionID).Scan(&questionType)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrQuestionNotInAttempt
	}
	if err != nil {
		return fmt.Errorf("validate question in attempt: %w", err)
	}

	value, err := ParseAnswerValue(questionType, in.RawAnswer)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode answer payload: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_answers (attempt_id, question_id, answer_payload, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (attempt_id, question_id)
		DO UPDATE SET
			answer_payload = EXCLUDED.answer_payload,
			updated_at = now()
	`, in.AttemptID, in.QuestionID, string(payload)); err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// SubmitAttempt finalizes and scores. Idempotent: resubmitting returns the
// stored result without recomputation. A submit past the deadline is treated
// as expire-then-grade.
func (s *Service) SubmitAttempt(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
	return s.finalizeAttempt(ctx, attemptID, StatusGraded)
}

func (s *Service) GetAttemptSummary(ctx context.Context, attemptID int64) (*AttemptSummary, error) {
	row, err := s.expireIfOverdue(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return s.buildSummary(ctx, s.db, row)
}

func (s *Service) GetAttemptQuestions(ctx context.Context, attemptID int64) ([]AttemptQuestion, error) {
	if _, err := s.expireIfOverdue(ctx, attemptID); err != nil {
		return nil, err
	}
	return s.loadAttemptQuestions(ctx, s.db, attemptID)
}

func (s *Service) GetAttemptOwner(ctx context.Context, attemptID int64) (int64, error) {
	var studentID int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT student_id FROM attempts WHERE id = $1
	`, attemptID).Scan(&studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAttemptNotFound
		}
		return 0, fmt.Errorf("load attempt owner: %w", err)
	}
	return studentID, nil
}

// GetAttemptResult returns the scored result of a finalized attempt. Student
// visibility follows the exam's show_results_immediately flag; teacher/admin
// viewers bypass it.
func (s *Service) GetAttemptResult(ctx context.Context, attemptID int64, viewerIsStudent bool) (*AttemptResult, error) {
	row, err := s.expireIfOverdue(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if row.Status == StatusInProgress {
		return nil, ErrAttemptNotFinal
	}

	examRow, err := s.loadExamRow(ctx, s.db, row.ExamID)
	if err != nil {
		return nil, err
	}
	if viewerIsStudent && !canViewResult(examRow, time.Now()) {
		return nil, ErrResultNotAvailable
	}

	summary, err := s.buildSummary(ctx, s.db, row)
	if err != nil {
		return nil, err
	}

	items, err := s.loadResultItems(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if viewerIsStudent && !examRow.ShowCorrectAnswers {
		for i := range items {
			items[i].Correct = nil
		}
	}

	percentage := 0.0
	if row.ScorePercentage.Valid {
		percentage = row.ScorePercentage.Float64
	}

	return &AttemptResult{
		Summary: *summary,
		Passed:  Passed(percentage, examRow.PassThreshold),
		Items:   items,
	}, nil
}

// Grade is the student's reported standing on one exam, collapsed across
// attempts per the exam's scoring method.
type Grade struct {
	ExamID        int64   `json:"exam_id"`
	StudentID     int64   `json:"student_id"`
	ScoringMethod string  `json:"scoring_method"`
	Percentage    float64 `json:"percentage"`
	Passed        bool    `json:"passed"`
	AttemptsUsed  int     `json:"attempts_used"`
}

func (s *Service) StudentGrade(ctx context.Context, examID, studentID int64) (*Grade, error) {
	examRow, err := s.loadExamRow(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT score_percentage, submitted_at
		FROM attempts
		WHERE exam_id = $1 AND student_id = $2 AND submitted_at IS NOT NULL
		ORDER BY submitted_at
	`, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("load graded attempts: %w", err)
	}
	defer rows.Close()

	scores := make([]AttemptScore, 0)
	for rows.Next() {
		var (
			pct         sql.NullFloat64
			submittedAt time.Time
		)
		if err := rows.Scan(&pct, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan graded attempt: %w", err)
		}
		if !pct.Valid {
			continue
		}
		scores = append(scores, AttemptScore{Percentage: pct.Float64, SubmittedAt: submittedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate graded attempts: %w", err)
	}

	percentage, ok := AggregateScore(examRow.ScoringMethod, scores)
	grade := &Grade{
		ExamID:        examID,
		StudentID:     studentID,
		ScoringMethod: examRow.ScoringMethod,
		AttemptsUsed:  len(scores),
	}
	if ok {
		grade.Percentage = percentage
		grade.Passed = Passed(percentage, examRow.PassThreshold)
	}
	return grade, nil
}

// expireIfOverdue is the lazy expiry check applied on every read path: an
// in-progress attempt past its deadline is finalized as expired, scoring
// whatever answers were recorded.
func (s *Service) expireIfOverdue(ctx context.Context, attemptID int64) (*attemptRow, error) {
	row, err := s.loadAttemptRow(ctx, s.db, attemptID)
	if err != nil {
		return nil, err
	}
	if row.Status == StatusInProgress && time.Now().After(row.ExpiresAt) {
		if _, err := s.finalizeAttempt(ctx, attemptID, StatusExpired); err != nil {
			return nil, err
		}
		return s.loadAttemptRow(ctx, s.db, attemptID)
	}
	return row, nil
}

// finalizeAttempt scores every frozen question and moves the attempt to its
// terminal status under a row lock. submitted_at is the authoritative
// finalized signal; status is kept consistent in the same update.
func (s *Service) finalizeAttempt(ctx context.Context, attemptID int64, finalStatus string) (*AttemptSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := s.loadAttemptRowForUpdate(ctx, tx, attemptID)
	if err != nil {
		return nil, err
	}

	if row.Status != StatusInProgress {
		summary, err := s.buildSummary(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit finalize existing: %w", err)
		}
		return summary, nil
	}

	now := time.Now()
	if finalStatus == StatusExpired && now.Before(row.ExpiresAt) {
		summary, err := s.buildSummary(ctx, tx, row)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit finalize noop: %w", err)
		}
		return summary, nil
	}
	if finalStatus == StatusGraded && now.After(row.ExpiresAt) {
		finalStatus = StatusExpired
	}

	questions, err := s.loadAttemptQuestions(ctx, tx, row.ID)
	if err != nil {
		return nil, err
	}
	answers, err := s.loadAnswerValues(ctx, tx, row.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(questions))
	for _, q := range questions {
		ids = append(ids, q.QuestionID)
	}
	keys, err := s.catalog.LoadScoringKeys(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attempt_scores WHERE attempt_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("clear attempt scores: %w", err)
	}

	totalScore := 0.0
	maxScore := 0.0
	for _, q := range questions {
		key := keys[q.QuestionID]
		res := ScoreQuestion(ScoreInput{
			QuestionType: key.QuestionType,
			CorrectKeys:  key.CorrectKeys,
			CorrectText:  key.AnswerText,
			Answer:       answers[q.QuestionID],
			Points:       q.Points,
		})
		totalScore += res.Earned
		maxScore += q.Points

		feedback := map[string]interface{}{
			"selected": res.Selected,
			"correct":  res.Correct,
		}
		if key.QuestionType == QuestionTypeFillIn {
			feedback["text"] = answers[q.QuestionID].FreeText
			feedback["correct_text"] = key.AnswerText
		}
		feedbackJSON, _ := json.Marshal(feedback)

		var isCorrect interface{}
		if res.Answered {
			isCorrect = *res.IsCorrect
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_scores (
				attempt_id, question_id, seq_no, points, earned, answered, is_correct, feedback
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		`, row.ID, q.QuestionID, q.SeqNo, q.Points, res.Earned, res.Answered, isCorrect, string(feedbackJSON)); err != nil {
			return nil, fmt.Errorf("insert attempt score: %w", err)
		}
	}

	percentage := round2(Percentage(totalScore, maxScore))

	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET status = $2,
			submitted_at = $3,
			total_score = $4,
			max_score = $5,
			score_percentage = $6
		WHERE id = $1
	`, row.ID, finalStatus, now, totalScore, maxScore, percentage); err != nil {
		return nil, fmt.Errorf("update attempt final: %w", err)
	}

	row, err = s.loadAttemptRowForUpdate(ctx, tx, row.ID)
	if err != nil {
		return nil, err
	}
	summary, err := s.buildSummary(ctx, tx, row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return summary, nil
}

func (s *Service) buildSummary(ctx context.Context, q queryable, row *attemptRow) (*AttemptSummary, error) {
	var totalQuestions, answered int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempt_questions WHERE attempt_id = $1
	`, row.ID).Scan(&totalQuestions); err != nil {
		return nil, fmt.Errorf("count attempt questions: %w", err)
	}
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM attempt_answers
		WHERE attempt_id = $1
		  AND answer_payload IS NOT NULL
		  AND answer_payload <> '{}'::jsonb
	`, row.ID).Scan(&answered); err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	if answered > totalQuestions {
		answered = totalQuestions
	}

	return &AttemptSummary{
		Attempt:        *attemptFromRow(row),
		TotalQuestions: totalQuestions,
		Answered:       answered,
		RemainingSecs:  remainingSeconds(row.Status, row.ExpiresAt),
	}, nil
}

func (s *Service) loadAttemptQuestions(ctx context.Context, q queryable, attemptID int64) ([]AttemptQuestion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, seq_no, points, option_order
		FROM attempt_questions
		WHERE attempt_id = $1
		ORDER BY seq_no
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt questions: %w", err)
	}
	defer rows.Close()

	out := make([]AttemptQuestion, 0)
	for rows.Next() {
		var (
			aq        AttemptQuestion
			orderJSON []byte
		)
		if err := rows.Scan(&aq.QuestionID, &aq.SeqNo, &aq.Points, &orderJSON); err != nil {
			return nil, fmt.Errorf("scan attempt question: %w", err)
		}
		if len(orderJSON) > 0 {
			if err := json.Unmarshal(orderJSON, &aq.OptionOrder); err != nil {
				return nil, fmt.Errorf("decode option order: %w", err)
			}
		}
		out = append(out, aq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt questions: %w", err)
	}
	return out, nil
}

func (s *Service) loadAnswerValues(ctx context.Context, q queryable, attemptID int64) (map[int64]AnswerValue, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, answer_payload
		FROM attempt_answers
		WHERE attempt_id = $1
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("load attempt answers: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]AnswerValue)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan attempt answer: %w", err)
		}
		var value AnswerValue
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &value); err != nil {
				return nil, fmt.Errorf("decode answer payload: %w", err)
			}
		}
		out[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt answers: %w", err)
	}
	return out, nil
}

func (s *Service) loadResultItems(ctx context.Context, attemptID int64) ([]ResultItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, seq_no, points, earned, answered, is_correct, feedback
		FROM attempt_scores
		WHERE attempt_id = $1
		ORDER BY seq_no
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query result items: %w", err)
	}
	defer rows.Close()

	items := make([]ResultItem, 0)
	for rows.Next() {
		var (
			item        ResultItem
			isCorrect   sql.NullBool
			feedbackRaw []byte
		)
		if err := rows.Scan(&item.QuestionID, &item.SeqNo, &item.Points, &item.Earned,
			&item.Answered, &isCorrect, &feedbackRaw); err != nil {
			return nil, fmt.Errorf("scan result item: %w", err)
		}
		if isCorrect.Valid {
			v := isCorrect.Bool
			item.IsCorrect = &v
		}
		if len(feedbackRaw) > 0 {
			var f struct {
				Selected []string `json:"selected"`
				Correct  []string `json:"correct"`
				Text     string   `json:"text"`
			}
			if err := json.Unmarshal(feedbackRaw, &f); err == nil {
				item.Selected = f.Selected
				item.Correct = f.Correct
				item.FreeText = f.Text
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result items: %w", err)
	}
	return items, nil
}

func (s *Service) loadAttemptRow(ctx context.Context, q queryable, attemptID int64) (*attemptRow, error) {
	row := &attemptRow{}
	err := q.QueryRowContext(ctx, `
		SELECT id, exam_id, student_id, status, started_at, expires_at,
		       submitted_at, total_score, max_score, score_percentage
		FROM attempts
		WHERE id = $1
	`, attemptID).Scan(
		&row.ID, &row.ExamID, &row.StudentID, &row.Status, &row.StartedAt, &row.ExpiresAt,
		&row.SubmittedAt, &row.TotalScore, &row.MaxScore, &row.ScorePercentage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return row, nil
}

func (s *Service) loadAttemptRowForUpdate(ctx context.Context, tx *sql.Tx, attemptID int64) (*attemptRow, error) {
	row := &attemptRow{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, exam_id, student_id, status, started_at, expires_at,
		       submitted_at, total_score, max_score, score_percentage
		FROM attempts
		WHERE id = $1
		FOR UPDATE
	`, attemptID).Scan(
		&row.ID, &row.ExamID, &row.StudentID, &row.Status, &row.StartedAt, &row.ExpiresAt,
		&row.SubmittedAt, &row.TotalScore, &row.MaxScore, &row.ScorePercentage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt for update: %w", err)
	}
	return row, nil
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func attemptFromRow(row *attemptRow) *Attempt {
	a := &Attempt{
		ID:        row.ID,
		ExamID:    row.ExamID,
		StudentID: row.StudentID,
		Status:    row.Status,
		StartedAt: row.StartedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if row.SubmittedAt.Valid {
		v := row.SubmittedAt.Time
		a.SubmittedAt = &v
	}
	if row.TotalScore.Valid {
		v := row.TotalScore.Float64
		a.TotalScore = &v
	}
	if row.MaxScore.Valid {
		v := row.MaxScore.Float64
		a.MaxScore = &v
	}
	if row.ScorePercentage.Valid {
		v := row.ScorePercentage.Float64
		a.ScorePercentage = &v
	}
	return a
}

func remainingSeconds(status string, expiresAt time.Time) int64 {
	if status != StatusInProgress {
		return 0
	}
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// checkAvailabilityWindow enforces the exam's [start_at, end_at] window;
// unset bounds are unbounded.
func checkAvailabilityWindow(now time.Time, startAt, endAt *time.Time) error {
	if startAt != nil && now.Before(*startAt) {
		return ErrExamNotOpen
	}
	if endAt != nil && now.After(*endAt) {
		return ErrExamClosed
	}
	return nil
}

func checkExamPassword(hash sql.NullString, password string) error {
	if !hash.Valid || hash.String == "" {
		return nil
	}
	if password == "" {
		return ErrExamPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)); err != nil {
		return ErrExamPasswordInvalid
	}
	return nil
}

// canViewResult gates student result visibility: immediately when the exam
// says so, otherwise only after the exam window has closed.
func canViewResult(row *examRow, now time.Time) bool {
	if row.ShowResultsImmediately {
		return true
	}
	if row.EndAt != nil {
		return now.After(*row.EndAt) || now.Equal(*row.EndAt)
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
