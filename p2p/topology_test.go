package p2p

import (
	"math"
	"testing"
)

func TestCalculateDensity(t *testing.T) {
	cases := []struct {
		name        string
		nodes, conn float64
		want        float64
	}{
		{"twenty five nodes", 25, 125, 125.0 / 300.0},
		{"two nodes linked", 2, 1, 1},
		{"triangle", 3, 3, 1},
		{"square ring", 4, 4, 4.0 / 6.0},
		{"line of five", 5, 4, 0.4},
		{"single node", 1, 0, 0},
		{"no nodes", 0, 10, 0},
		{"no links", 10, 0, 0},
		{"more links than possible", 3, 10, 1},
		{"nan", math.NaN(), 1, 0},
		{"inf", math.Inf(1), 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateDensity(tc.nodes, tc.conn)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Fatalf("CalculateDensity(%v, %v) = %v, want %v", tc.nodes, tc.conn, got, tc.want)
			}
		})
	}
}
