package serial

import "testing"

func TestCompareBasic(t *testing.T) {
	cases := []struct {
		a, b Number
		want int
	}{
		{1, 1, 0},
		{2, 1, 1},
		{1, 2, -1},
		{0, 0xFFFFFFFF, 1},
		{0xFFFFFFFF, 0, -1},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestNextWraps(t *testing.T) {
	var n Number = 0xFFFFFFFF
	if got := n.Next(); got != 0 {
		t.Errorf("Next() = %d, want 0", got)
	}
}

func TestInWindow(t *testing.T) {
	if !InWindow(5, 1, 10) {
		t.Error("expected 5 in [1,10]")
	}
	if InWindow(11, 1, 10) {
		t.Error("expected 11 not in [1,10]")
	}
	// wrap-around window
	var lo Number = 0xFFFFFFF0
	var hi Number = 10
	if !InWindow(0xFFFFFFFA, lo, hi) {
		t.Error("expected wrap value in window")
	}
}
