package utils

import (
	"math"
	"testing"
)

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	NormalizeL2(v)
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("got %v", v)
	}
	zero := []float32{0, 0}
	NormalizeL2(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Error("zero vector must stay unchanged")
	}
}

func TestNormalizedCopies(t *testing.T) {
	src := []float32{0, 2}
	out := Normalized(src)
	if src[1] != 2 {
		t.Error("source mutated")
	}
	if Dot(out, out) < 0.999 {
		t.Errorf("not unit length: %v", out)
	}
}

func TestClamp(t *testing.T) {
	if Clamp(2, -1, 1) != 1 || Clamp(-2, -1, 1) != -1 || Clamp(0.5, -1, 1) != 0.5 {
		t.Error("clamp")
	}
}
