package exam

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestCheckAvailabilityWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	tests := []struct {
		name    string
		startAt *time.Time
		endAt   *time.Time
		wantErr error
	}{
		{name: "no bounds", startAt: nil, endAt: nil, wantErr: nil},
		{name: "inside window", startAt: &before, endAt: &after, wantErr: nil},
		{name: "not open yet", startAt: &after, endAt: nil, wantErr: ErrExamNotOpen},
		{name: "already closed", startAt: nil, endAt: &before, wantErr: ErrExamClosed},
		{name: "open exactly at start", startAt: &now, endAt: nil, wantErr: nil},
		{name: "open exactly at end", startAt: nil, endAt: &now, wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkAvailabilityWindow(now, tc.startAt, tc.endAt)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCheckExamPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sekret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	stored := sql.NullString{String: string(hash), Valid: true}

	if err := checkExamPassword(sql.NullString{}, ""); err != nil {
		t.Fatalf("open exam must not require a password, got %v", err)
	}
	if err := checkExamPassword(stored, ""); !errors.Is(err, ErrExamPasswordRequired) {
		t.Fatalf("expected ErrExamPasswordRequired, got %v", err)
	}
	if err := checkExamPassword(stored, "wrong"); !errors.Is(err, ErrExamPasswordInvalid) {
		t.Fatalf("expected ErrExamPasswordInvalid, got %v", err)
	}
	if err := checkExamPassword(stored, "sekret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
}

func TestRemainingSeconds(t *testing.T) {
	if got := remainingSeconds(StatusGraded, time.Now().Add(time.Hour)); got != 0 {
		t.Fatalf("finalized attempt must report 0, got %d", got)
	}
	if got := remainingSeconds(StatusInProgress, time.Now().Add(-time.Minute)); got != 0 {
		t.Fatalf("overdue attempt must report 0, got %d", got)
	}
	got := remainingSeconds(StatusInProgress, time.Now().Add(10*time.Minute))
	if got <= 0 || got > 600 {
		t.Fatalf("expected remaining in (0,600], got %d", got)
	}
}

func TestCanViewResult(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name        string
		immediately bool
		endAt       *time.Time
		want        bool
	}{
		{name: "immediate always visible", immediately: true, endAt: &future, want: true},
		{name: "deferred before window closes", immediately: false, endAt: &future, want: false},
		{name: "deferred after window closes", immediately: false, endAt: &past, want: true},
		{name: "deferred without end never visible", immediately: false, endAt: nil, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			row := &examRow{}
			row.ShowResultsImmediately = tc.immediately
			row.EndAt = tc.endAt
			if got := canViewResult(row, now); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMatrixBindingChanged(t *testing.T) {
	one := int64(1)
	two := int64(2)
	oneAgain := int64(1)

	if matrixBindingChanged(nil, nil) {
		t.Fatalf("nil to nil is unchanged")
	}
	if matrixBindingChanged(&one, &oneAgain) {
		t.Fatalf("same id is unchanged")
	}
	if !matrixBindingChanged(&one, &two) {
		t.Fatalf("different ids changed")
	}
	if !matrixBindingChanged(nil, &one) {
		t.Fatalf("binding a matrix changed")
	}
	if !matrixBindingChanged(&one, nil) {
		t.Fatalf("unbinding a matrix changed")
	}
}

func TestSamplePool(t *testing.T) {
	pool := []int64{1, 2, 3, 4, 5}

	t.Run("draws requested count", func(t *testing.T) {
		got := samplePool(pool, map[int64]struct{}{}, 3)
		if len(got) != 3 {
			t.Fatalf("expected 3 picks, got %d", len(got))
		}
		seen := map[int64]struct{}{}
		for _, id := range got {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate pick %d", id)
			}
			seen[id] = struct{}{}
		}
	})

	t.Run("skips used ids", func(t *testing.T) {
		used := map[int64]struct{}{1: {}, 2: {}, 3: {}}
		got := samplePool(pool, used, 5)
		if len(got) != 2 {
			t.Fatalf("expected 2 remaining candidates, got %d", len(got))
		}
		for _, id := range got {
			if _, taken := used[id]; taken {
				t.Fatalf("picked used id %d", id)
			}
		}
	})

	t.Run("exhausted pool returns what is left", func(t *testing.T) {
		got := samplePool([]int64{7}, map[int64]struct{}{}, 3)
		if len(got) != 1 || got[0] != 7 {
			t.Fatalf("expected [7], got %v", got)
		}
	})
}
