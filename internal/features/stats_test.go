package features

import (
	"math"
	"testing"
)

func TestDescribeMoments(t *testing.T) {
	s := Describe([]float64{1, 2, 3, 4, 10})
	checks := []struct {
		name      string
		got, want float64
	}{
		{"mean", s.Mean, 4},
		{"std", s.Std, 3.5355339059327378},
		{"var", s.Var, 10},
		{"skew", s.Skew, 1.697056274847714},
		{"kurt", s.Kurt, 3.152},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Fatalf("%s=%v want %v", c.name, c.got, c.want)
		}
	}
}

func TestDescribeConstantSeries(t *testing.T) {
	s := Describe([]float64{5, 5, 5, 5})
	if s.Std != 0 || s.Var != 0 || s.Skew != 0 || s.Kurt != 0 {
		t.Fatalf("expected zero moments, got %+v", s)
	}
}

func TestDescribeShortSeries(t *testing.T) {
	s := Describe([]float64{1, 3})
	if s.Mean != 2 || s.Var != 1 {
		t.Fatalf("unexpected mean/var %+v", s)
	}
	if math.Abs(s.Std-math.Sqrt2) > 1e-12 {
		t.Fatalf("expected sample std sqrt(2), got %v", s.Std)
	}
	if !math.IsNaN(s.Skew) || !math.IsNaN(s.Kurt) {
		t.Fatalf("expected NaN skew and kurt, got %+v", s)
	}
}
