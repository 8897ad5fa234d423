package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"examhub/internal/catalog"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrMatrixNotFound = errors.New("exam matrix not found")
)

// ShortageError blocks matrix instantiation: an exam cannot be generated with
// fewer questions than the matrix demands. Carries the per-item detail so the
// caller can report "need 10, have 6".
type ShortageError struct {
	MatrixID  int64
	Shortages []Shortage
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("matrix %d cannot be satisfied: %d item(s) short", e.MatrixID, len(e.Shortages))
}

type Shortage struct {
	ItemID    int64 `json:"item_id"`
	Needed    int   `json:"needed"`
	Available int   `json:"available"`
}

type PointsMismatch struct {
	Declared float64 `json:"declared"`
	Computed float64 `json:"computed"`
}

// Report is the validator outcome. Shortages make OK false; a points mismatch
// is advisory only and never blocks.
type Report struct {
	MatrixID       int64           `json:"matrix_id"`
	OK             bool            `json:"ok"`
	Shortages      []Shortage      `json:"shortages"`
	PointsMismatch *PointsMismatch `json:"points_mismatch,omitempty"`
}

type Item struct {
	ID int64 `json:"id"`
	catalog.Criteria
	SeqNo         int     `json:"seq_no"`
	NeededCount   int     `json:"needed_count"`
	PointsPerItem float64 `json:"points_per_item"`
}

type Matrix struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	TotalPoints float64   `json:"total_points"`
	Items       []Item    `json:"items"`
	CreatedAt   time.Time `json:"created_at"`
}

type ItemInput struct {
	Domain        string  `json:"domain" validate:"required"`
	Difficulty    int     `json:"difficulty" validate:"min=0,max=5"`
	QuestionType  string  `json:"question_type" validate:"omitempty,oneof=multiple_choice fill_in"`
	NeededCount   int     `json:"needed_count" validate:"min=1"`
	PointsPerItem float64 `json:"points_per_item" validate:"gt=0"`
}

type CreateMatrixInput struct {
	Name        string      `json:"name" validate:"required"`
	TotalPoints float64     `json:"total_points" validate:"min=0"`
	Items       []ItemInput `json:"items" validate:"min=1,dive"`
}

type Service struct {
	db      *sql.DB
	catalog *catalog.Service
}

func NewService(db *sql.DB, cat *catalog.Service) *Service {
	return &Service{db: db, catalog: cat}
}

func (s *Service) CreateMatrix(ctx context.Context, in CreateMatrixInput) (*Matrix, error) {
	if strings.TrimSpace(in.Name) == "" || len(in.Items) == 0 {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create matrix tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO exam_matrices (name, total_points, created_at)
		VALUES ($1, $2, now())
		RETURNING id
	`, strings.TrimSpace(in.Name), in.TotalPoints).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert matrix: %w", err)
	}

	for i, item := range in.Items {
		if item.NeededCount <= 0 || item.PointsPerItem <= 0 {
			return nil, ErrInvalidInput
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO matrix_items (
				matrix_id, seq_no, domain, difficulty, question_type,
				needed_count, points_per_item
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, i+1, strings.TrimSpace(item.Domain), item.Difficulty,
			strings.TrimSpace(item.QuestionType), item.NeededCount, item.PointsPerItem); err != nil {
			return nil, fmt.Errorf("insert matrix item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create matrix: %w", err)
	}
	return s.GetMatrix(ctx, id)
}

func (s *Service) GetMatrix(ctx context.Context, id int64) (*Matrix, error) {
	return s.loadMatrix(ctx, s.db, id)
}

// GetMatrixTx reads a matrix inside the caller's transaction; the selector
// uses this so instantiation and validation see the same snapshot.
func (s *Service) GetMatrixTx(ctx context.Context, q catalog.Queryable, id int64) (*Matrix, error) {
	return s.loadMatrix(ctx, q, id)
}

func (s *Service) ListMatrices(ctx context.Context) ([]Matrix, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, total_points, created_at
		FROM exam_matrices
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list matrices: %w", err)
	}
	defer rows.Close()

	out := make([]Matrix, 0)
	for rows.Next() {
		var m Matrix
		if err := rows.Scan(&m.ID, &m.Name, &m.TotalPoints, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan matrix: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matrices: %w", err)
	}

	for i := range out {
		items, err := s.loadItems(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

// Validate checks that the active catalog can satisfy every matrix item. The
// catalog is mutable between authoring and instantiation (questions can be
// deactivated), so this runs again inside the attempt-start transaction.
func (s *Service) Validate(ctx context.Context, matrixID int64) (*Report, error) {
	return s.ValidateTx(ctx, nil, matrixID)
}

func (s *Service) ValidateTx(ctx context.Context, q catalog.Queryable, matrixID int64) (*Report, error) {
	qe := s.queryableOrDB(q)
	m, err := s.loadMatrix(ctx, qe, matrixID)
	if err != nil {
		return nil, err
	}
	return s.validateMatrix(ctx, qe, m)
}

func (s *Service) validateMatrix(ctx context.Context, q catalog.Queryable, m *Matrix) (*Report, error) {
	report := &Report{MatrixID: m.ID, OK: true, Shortages: []Shortage{}}

	computed := 0.0
	for _, item := range m.Items {
		available, err := s.catalog.CountMatching(ctx, q, item.Criteria)
		if err != nil {
			return nil, err
		}
		if available < item.NeededCount {
			report.OK = false
			report.Shortages = append(report.Shortages, Shortage{
				ItemID:    item.ID,
				Needed:    item.NeededCount,
				Available: available,
			})
		}
		computed += float64(item.NeededCount) * item.PointsPerItem
	}

	if m.TotalPoints > 0 && computed != m.TotalPoints {
		report.PointsMismatch = &PointsMismatch{Declared: m.TotalPoints, Computed: computed}
	}
	return report, nil
}

func (s *Service) queryableOrDB(q catalog.Queryable) catalog.Queryable {
	if q == nil {
		return s.db
	}
	return q
}

func (s *Service) loadMatrix(ctx context.Context, q catalog.Queryable, id int64) (*Matrix, error) {
	m := &Matrix{}
	err := q.QueryRowContext(ctx, `
		SELECT id, name, total_points, created_at
		FROM exam_matrices
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.TotalPoints, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMatrixNotFound
		}
		return nil, fmt.Errorf("load matrix: %w", err)
	}

	items, err := s.loadItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	m.Items = items
	return m, nil
}

func (s *Service) loadItems(ctx context.Context, q catalog.Queryable, matrixID int64) ([]Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, seq_no, domain, difficulty, question_type, needed_count, points_per_item
		FROM matrix_items
		WHERE matrix_id = $1
		ORDER BY seq_no
	`, matrixID)
	if err != nil {
		return nil, fmt.Errorf("load matrix items: %w", err)
	}
	defer rows.Close()

	out := make([]Item, 0)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SeqNo, &it.Domain, &it.Difficulty,
			&it.QuestionType, &it.NeededCount, &it.PointsPerItem); err != nil {
			return nil, fmt.Errorf("scan matrix item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matrix items: %w", err)
	}
	return out, nil
}
