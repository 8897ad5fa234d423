package exam

import (
	"context"
	"fmt"
	"math/rand"

	"examhub/internal/matrix"
)

// selectedQuestion is one entry of the resolved, attempt-scoped question set.
// Points and option order belong to the attempt, not to the question: the same
// bank question can carry different weights across exams, and option shuffling
// must never touch the shared entity.
type selectedQuestion struct {
	QuestionID  int64
	SeqNo       int
	Points      float64
	OptionOrder []string
}

// resolveQuestions produces the frozen question set for one attempt. Fresh
// randomness per attempt is intentional; reproducibility across attempts is
// not wanted.
func (s *Service) resolveQuestions(ctx context.Context, q queryable, row *examRow) ([]selectedQuestion, error) {
	var (
		selected []selectedQuestion
		err      error
	)
	if row.MatrixID != nil {
		selected, err = s.selectFromMatrix(ctx, q, *row.MatrixID)
	} else {
		selected, err = s.selectFixed(ctx, q, row.ID)
	}
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, ErrExamHasNoQuestions
	}

	if row.RandomizeQuestions {
		rand.Shuffle(len(selected), func(i, j int) {
			selected[i], selected[j] = selected[j], selected[i]
		})
	}

	if row.RandomizeOptions {
		if err := s.shuffleOptionOrders(ctx, q, selected); err != nil {
			return nil, err
		}
	}

	for i := range selected {
		selected[i].SeqNo = i + 1
	}
	return selected, nil
}

func (s *Service) selectFixed(ctx context.Context, q queryable, examID int64) ([]selectedQuestion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id, points
		FROM exam_questions
		WHERE exam_id = $1
		ORDER BY seq_no
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("load fixed questions: %w", err)
	}
	defer rows.Close()

	out := make([]selectedQuestion, 0)
	for rows.Next() {
		var sq selectedQuestion
		if err := rows.Scan(&sq.QuestionID, &sq.Points); err != nil {
			return nil, fmt.Errorf("scan fixed question: %w", err)
		}
		out = append(out, sq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fixed questions: %w", err)
	}
	return out, nil
}

// selectFromMatrix re-validates and then samples without replacement, all
// inside the caller's transaction so deactivations between validation and
// instantiation cannot slip through.
func (s *Service) selectFromMatrix(ctx context.Context, q queryable, matrixID int64) ([]selectedQuestion, error) {
	m, err := s.matrices.GetMatrixTx(ctx, q, matrixID)
	if err != nil {
		return nil, err
	}

	report, err := s.matrices.ValidateTx(ctx, q, matrixID)
	if err != nil {
		return nil, err
	}
	if !report.OK {
		return nil, &matrix.ShortageError{MatrixID: matrixID, Shortages: report.Shortages}
	}

	used := map[int64]struct{}{}
	out := make([]selectedQuestion, 0)
	for _, item := range m.Items {
		pool, err := s.catalog.ListMatchingIDs(ctx, q, item.Criteria)
		if err != nil {
			return nil, err
		}

		picked := samplePool(pool, used, item.NeededCount)
		if len(picked) < item.NeededCount {
			// Overlapping item criteria can exhaust a shared pool even when
			// each item validates on its own.
			return nil, &matrix.ShortageError{
				MatrixID: matrixID,
				Shortages: []matrix.Shortage{{
					ItemID:    item.ID,
					Needed:    item.NeededCount,
					Available: len(picked),
				}},
			}
		}

		for _, id := range picked {
			used[id] = struct{}{}
			out = append(out, selectedQuestion{QuestionID: id, Points: item.PointsPerItem})
		}
	}
	return out, nil
}

// samplePool draws up to n distinct ids at random, skipping already-used ones.
// A pool exactly equal to n degenerates to taking everything, which is fine.
func samplePool(pool []int64, used map[int64]struct{}, n int) []int64 {
	candidates := make([]int64, 0, len(pool))
	for _, id := range pool {
		if _, taken := used[id]; taken {
			continue
		}
		candidates = append(candidates, id)
	}

	if len(candidates) <= n {
		return candidates
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:n]
}

func (s *Service) shuffleOptionOrders(ctx context.Context, q queryable, selected []selectedQuestion) error {
	ids := make([]int64, 0, len(selected))
	for _, sq := range selected {
		ids = append(ids, sq.QuestionID)
	}

	orders, err := s.catalog.OptionKeys(ctx, q, ids)
	if err != nil {
		return err
	}

	for i := range selected {
		keys := append([]string(nil), orders[selected[i].QuestionID]...)
		rand.Shuffle(len(keys), func(a, b int) {
			keys[a], keys[b] = keys[b], keys[a]
		})
		selected[i].OptionOrder = keys
	}
	return nil
}
