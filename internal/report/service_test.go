package report

import "testing"

func TestSummarizeScores(t *testing.T) {
	tests := []struct {
		name      string
		scores    []float64
		threshold float64
		want      scoreSummary
	}{
		{
			name:      "mixed attempts",
			scores:    []float64{50, 100, 80},
			threshold: 50,
			want:      scoreSummary{Average: 76.67, Highest: 100, Lowest: 50, PassRate: 100},
		},
		{
			name:      "partial pass rate",
			scores:    []float64{40, 80},
			threshold: 50,
			want:      scoreSummary{Average: 60, Highest: 80, Lowest: 40, PassRate: 50},
		},
		{
			name:      "threshold is inclusive",
			scores:    []float64{50},
			threshold: 50,
			want:      scoreSummary{Average: 50, Highest: 50, Lowest: 50, PassRate: 100},
		},
		{
			name: "no scored attempts",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := summarizeScores(tc.scores, tc.threshold); got != tc.want {
				t.Fatalf("summarizeScores = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: 61.666666, want: 61.67},
		{in: 50, want: 50},
		{in: 0.005, want: 0.01},
		{in: 99.994, want: 99.99},
	}
	for _, tc := range tests {
		if got := round2(tc.in); got != tc.want {
			t.Fatalf("round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
