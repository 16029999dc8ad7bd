package metrics

import "testing"

func TestBreakerStateValue(t *testing.T) {
	cases := []struct {
		state string
		want  float64
	}{
		{"CLOSED", 0},
		{"OPEN", 1},
		{"HALF_OPEN", 2},
		{"unknown", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := BreakerStateValue(c.state); got != c.want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", c.state, got, c.want)
		}
	}
}
