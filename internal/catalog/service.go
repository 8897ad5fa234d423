package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrQuestionNotFound = errors.New("question not found")
	ErrQuestionLocked   = errors.New("question answer set is locked by existing attempts")
)

// Queryable lets callers run catalog reads inside their own transaction.
type Queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

type Option struct {
	OptionKey string `json:"option_key"`
	Content   string `json:"content"`
	IsCorrect bool   `json:"is_correct"`
	SeqNo     int    `json:"seq_no"`
}

type Question struct {
	ID            int64     `json:"id"`
	QuestionType  string    `json:"question_type"`
	Content       string    `json:"content"`
	Domain        string    `json:"domain"`
	Difficulty    int       `json:"difficulty"`
	AnswerText    *string   `json:"answer_text,omitempty"`
	DefaultPoints float64   `json:"default_points"`
	IsActive      bool      `json:"is_active"`
	Options       []Option  `json:"options,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Criteria is the matching unit shared with the matrix validator and the
// question selector. Zero values mean "any".
type Criteria struct {
	Domain       string `json:"domain"`
	Difficulty   int    `json:"difficulty"`
	QuestionType string `json:"question_type"`
}

type Filter struct {
	Criteria
	ActiveOnly bool
	Limit      int
	Offset     int
}

type CreateQuestionInput struct {
	QuestionType  string   `validate:"required,oneof=multiple_choice fill_in"`
	Content       string   `validate:"required"`
	Domain        string   `validate:"required"`
	Difficulty    int      `validate:"min=0,max=5"`
	AnswerText    string   `validate:"-"`
	DefaultPoints float64  `validate:"min=0"`
	Options       []Option `validate:"-"`
}

type UpdateQuestionInput struct {
	ID            int64
	Content       string
	Domain        string
	Difficulty    int
	AnswerText    string
	DefaultPoints float64
	Options       []Option
}

func (s *Service) CreateQuestion(ctx context.Context, in CreateQuestionInput) (*Question, error) {
	if err := checkAnswerSet(in.QuestionType, in.AnswerText, in.Options); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var answerText interface{}
	if strings.TrimSpace(in.AnswerText) != "" {
		answerText = strings.TrimSpace(in.AnswerText)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO questions (
			question_type, content, domain, difficulty,
			answer_text, default_points, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE, now(), now())
		RETURNING id
	`, in.QuestionType, in.Content, strings.TrimSpace(in.Domain), in.Difficulty, answerText, in.DefaultPoints).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}

	if err := replaceOptions(ctx, tx, id, in.Options); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create question: %w", err)
	}
	return s.GetQuestion(ctx, id)
}

// UpdateQuestion edits question metadata freely, but refuses to change the
// answer set once the question has been frozen into any attempt: grading an
// old attempt must keep using the key the student was examined against.
func (s *Service) UpdateQuestion(ctx context.Context, in UpdateQuestionInput) (*Question, error) {
	if in.ID <= 0 || strings.TrimSpace(in.Content) == "" {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update question tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := loadQuestion(ctx, tx, in.ID)
	if err != nil {
		return nil, err
	}

	if err := checkAnswerSet(existing.QuestionType, in.AnswerText, in.Options); err != nil {
		return nil, err
	}

	var referenced bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attempt_questions WHERE question_id = $1
		)
	`, in.ID).Scan(&referenced); err != nil {
		return nil, fmt.Errorf("check question references: %w", err)
	}
	if referenced && answerSetChanged(existing, in) {
		return nil, ErrQuestionLocked
	}

	var answerText interface{}
	if strings.TrimSpace(in.AnswerText) != "" {
		answerText = strings.TrimSpace(in.AnswerText)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE questions
		SET content = $2,
			domain = $3,
			difficulty = $4,
			answer_text = $5,
			default_points = $6,
			updated_at = now()
		WHERE id = $1
	`, in.ID, in.Content, strings.TrimSpace(in.Domain), in.Difficulty, answerText, in.DefaultPoints); err != nil {
		return nil, fmt.Errorf("update question: %w", err)
	}

	if !referenced {
		if _, err := tx.ExecContext(ctx, `DELETE FROM question_options WHERE question_id = $1`, in.ID); err != nil {
			return nil, fmt.Errorf("clear question options: %w", err)
		}
		if err := replaceOptions(ctx, tx, in.ID, in.Options); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update question: %w", err)
	}
	return s.GetQuestion(ctx, in.ID)
}

// DeactivateQuestion removes a question from matrix counting and selection
// without deleting it; frozen attempts keep referencing it.
func (s *Service) DeactivateQuestion(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate question rows: %w", err)
	}
	if n == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

func (s *Service) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	q, err := loadQuestion(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	opts, err := loadOptions(ctx, s.db, []int64{id})
	if err != nil {
		return nil, err
	}
	q.Options = opts[id]
	return q, nil
}

func (s *Service) ListQuestions(ctx context.Context, f Filter) ([]Question, error) {
	where, args := buildWhere(f.Criteria, f.ActiveOnly)

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_type, content, domain, difficulty,
		       answer_text, default_points, is_active, created_at, updated_at
		FROM questions
		`+where+`
		ORDER BY id
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// CountMatching counts active questions satisfying the criteria. The matrix
// validator calls this per matrix item, both at authoring time and again
// inside the attempt-start transaction.
func (s *Service) CountMatching(ctx context.Context, q Queryable, c Criteria) (int, error) {
	if q == nil {
		q = s.db
	}
	where, args := buildWhere(c, true)
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count matching questions: %w", err)
	}
	return n, nil
}

// ListMatchingIDs returns the ids of every active question satisfying the
// criteria, in stable order. The selector samples from this pool.
func (s *Service) ListMatchingIDs(ctx context.Context, q Queryable, c Criteria) ([]int64, error) {
	if q == nil {
		q = s.db
	}
	where, args := buildWhere(c, true)
	rows, err := q.QueryContext(ctx, `SELECT id FROM questions `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list matching question ids: %w", err)
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan question id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question ids: %w", err)
	}
	return out, nil
}

// ScoringKey is the per-question answer key handed to the scoring engine.
type ScoringKey struct {
	QuestionType string
	CorrectKeys  []string
	AnswerText   string
}

func (s *Service) LoadScoringKeys(ctx context.Context, q Queryable, ids []int64) (map[int64]ScoringKey, error) {
	if q == nil {
		q = s.db
	}
	out := make(map[int64]ScoringKey, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := idArgs(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT q.id, q.question_type, COALESCE(q.answer_text, ''),
		       COALESCE(
		           json_agg(qo.option_key ORDER BY qo.option_key) FILTER (WHERE qo.is_correct),
		           '[]'::json
		       )
		FROM questions q
		LEFT JOIN question_options qo ON qo.question_id = q.id
		WHERE q.id IN (`+placeholders+`)
		GROUP BY q.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load scoring keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id          int64
			key         ScoringKey
			correctJSON []byte
		)
		if err := rows.Scan(&id, &key.QuestionType, &key.AnswerText, &correctJSON); err != nil {
			return nil, fmt.Errorf("scan scoring key: %w", err)
		}
		if len(correctJSON) > 0 {
			if err := json.Unmarshal(correctJSON, &key.CorrectKeys); err != nil {
				return nil, fmt.Errorf("decode correct keys json: %w", err)
			}
		}
		out[id] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scoring keys: %w", err)
	}
	return out, nil
}

// OptionKeys returns each question's option keys in stored order; the selector
// shuffles these per attempt when the exam randomizes answers.
func (s *Service) OptionKeys(ctx context.Context, q Queryable, ids []int64) (map[int64][]string, error) {
	if q == nil {
		q = s.db
	}
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := idArgs(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, option_key
		FROM question_options
		WHERE question_id IN (`+placeholders+`)
		ORDER BY question_id, seq_no
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load option keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scan option key: %w", err)
		}
		out[id] = append(out[id], key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate option keys: %w", err)
	}
	return out, nil
}

func checkAnswerSet(questionType, answerText string, options []Option) error {
	switch questionType {
	case "fill_in":
		if strings.TrimSpace(answerText) == "" {
			return ErrInvalidInput
		}
		return nil
	case "multiple_choice":
		if len(options) < 2 {
			return ErrInvalidInput
		}
		seen := map[string]struct{}{}
		correct := 0
		for _, o := range options {
			key := strings.TrimSpace(o.OptionKey)
			if key == "" {
				return ErrInvalidInput
			}
			if _, dup := seen[key]; dup {
				return ErrInvalidInput
			}
			seen[key] = struct{}{}
			if o.IsCorrect {
				correct++
			}
		}
		if correct == 0 {
			return ErrInvalidInput
		}
		return nil
	default:
		return ErrInvalidInput
	}
}

func answerSetChanged(existing *Question, in UpdateQuestionInput) bool {
	oldText := ""
	if existing.AnswerText != nil {
		oldText = strings.TrimSpace(*existing.AnswerText)
	}
	if !strings.EqualFold(oldText, strings.TrimSpace(in.AnswerText)) {
		return true
	}
	return len(in.Options) > 0
}

func replaceOptions(ctx context.Context, tx *sql.Tx, questionID int64, options []Option) error {
	for i, o := range options {
		seq := o.SeqNo
		if seq <= 0 {
			seq = i + 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO question_options (question_id, option_key, content, is_correct, seq_no)
			VALUES ($1, $2, $3, $4, $5)
		`, questionID, strings.TrimSpace(o.OptionKey), o.Content, o.IsCorrect, seq); err != nil {
			return fmt.Errorf("insert question option: %w", err)
		}
	}
	return nil
}

func buildWhere(c Criteria, activeOnly bool) (string, []interface{}) {
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)

	if activeOnly {
		conds = append(conds, "is_active = TRUE")
	}
	if d := strings.TrimSpace(c.Domain); d != "" {
		args = append(args, d)
		conds = append(conds, fmt.Sprintf("domain = $%d", len(args)))
	}
	if c.Difficulty > 0 {
		args = append(args, c.Difficulty)
		conds = append(conds, fmt.Sprintf("difficulty = $%d", len(args)))
	}
	if t := strings.TrimSpace(c.QuestionType); t != "" {
		args = append(args, t)
		conds = append(conds, fmt.Sprintf("question_type = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func idArgs(ids []int64) (string, []interface{}) {
	placeholders := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids))
	for i, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}
	return strings.Join(placeholders, ", "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(r rowScanner) (*Question, error) {
	q := &Question{}
	var answerText sql.NullString
	if err := r.Scan(
		&q.ID,
		&q.QuestionType,
		&q.Content,
		&q.Domain,
		&q.Difficulty,
		&answerText,
		&q.DefaultPoints,
		&q.IsActive,
		&q.CreatedAt,
		&q.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("scan question: %w", err)
	}
	if answerText.Valid {
		v := answerText.String
		q.AnswerText = &v
	}
	return q, nil
}

func loadQuestion(ctx context.Context, q Queryable, id int64) (*Question, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, question_type, content, domain, difficulty,
		       answer_text, default_points, is_active, created_at, updated_at
		FROM questions
		WHERE id = $1
	`, id)
	return scanQuestion(row)
}

func loadOptions(ctx context.Context, q Queryable, ids []int64) (map[int64][]Option, error) {
	out := make(map[int64][]Option, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := idArgs(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, option_key, content, is_correct, seq_no
		FROM question_options
		WHERE question_id IN (`+placeholders+`)
		ORDER BY question_id, seq_no
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load question options: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id int64
			o  Option
		)
		if err := rows.Scan(&id, &o.OptionKey, &o.Content, &o.IsCorrect, &o.SeqNo); err != nil {
			return nil, fmt.Errorf("scan question option: %w", err)
		}
		out[id] = append(out[id], o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question options: %w", err)
	}
	return out, nil
}
