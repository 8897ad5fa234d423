package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestShortageErrorMessage(t *testing.T) {
	err := &ShortageError{
		MatrixID: 7,
		Shortages: []Shortage{
			{ItemID: 1, Needed: 10, Available: 6},
			{ItemID: 2, Needed: 5, Available: 0},
		},
	}
	msg := err.Error()
	if !strings.Contains(msg, "matrix 7") || !strings.Contains(msg, "2 item(s)") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

type mockMatrixService struct {
	createMatrixFn func(ctx context.Context, in CreateMatrixInput) (*Matrix, error)
	getMatrixFn    func(ctx context.Context, id int64) (*Matrix, error)
	listMatricesFn func(ctx context.Context) ([]Matrix, error)
	validateFn     func(ctx context.Context, matrixID int64) (*Report, error)
}

func (m *mockMatrixService) CreateMatrix(ctx context.Context, in CreateMatrixInput) (*Matrix, error) {
	return m.createMatrixFn(ctx, in)
}

func (m *mockMatrixService) GetMatrix(ctx context.Context, id int64) (*Matrix, error) {
	return m.getMatrixFn(ctx, id)
}

func (m *mockMatrixService) ListMatrices(ctx context.Context) ([]Matrix, error) {
	return m.listMatricesFn(ctx)
}

func (m *mockMatrixService) Validate(ctx context.Context, matrixID int64) (*Report, error) {
	return m.validateFn(ctx, matrixID)
}

func TestValidateMatrixReportsShortagesAsData(t *testing.T) {
	h := NewHandler(&mockMatrixService{
		validateFn: func(ctx context.Context, matrixID int64) (*Report, error) {
			return &Report{
				MatrixID:  matrixID,
				OK:        false,
				Shortages: []Shortage{{ItemID: 3, Needed: 10, Available: 6}},
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/matrices/4/validate", nil)
	req = withChiParam(req, "id", "4")
	w := httptest.NewRecorder()

	h.ValidateMatrix(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		OK   bool `json:"ok"`
		Data struct {
			MatrixID  int64      `json:"matrix_id"`
			OK        bool       `json:"ok"`
			Shortages []Shortage `json:"shortages"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body.OK {
		t.Fatalf("envelope must be ok even when the report is not")
	}
	if body.Data.OK {
		t.Fatalf("expected report ok=false")
	}
	if len(body.Data.Shortages) != 1 || body.Data.Shortages[0].Needed != 10 {
		t.Fatalf("unexpected shortages: %+v", body.Data.Shortages)
	}
}

func TestCreateMatrixRejectsEmptyItems(t *testing.T) {
	called := false
	h := NewHandler(&mockMatrixService{
		createMatrixFn: func(ctx context.Context, in CreateMatrixInput) (*Matrix, error) {
			called = true
			return &Matrix{}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/matrices",
		strings.NewReader(`{"name":"Midterm blueprint","total_points":100,"items":[]}`))
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if called {
		t.Fatalf("service must not be called on invalid input")
	}
}
