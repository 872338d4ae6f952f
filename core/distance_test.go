package core

import (
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"identical vectors", []float32{1, 0, 0}, []float32{1, 0, 0}, 0},
		{"orthogonal vectors", []float32{1, 0, 0}, []float32{0, 1, 0}, 1},
		{"opposite vectors", []float32{1, 0, 0}, []float32{-1, 0, 0}, 2},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 1},
		{"scale invariant", []float32{2, 0, 0}, []float32{5, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDistance(tt.a, tt.b)
			if math.Abs(float64(got-tt.expected)) > 1e-6 {
				t.Errorf("CosineDistance() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestInnerProductDistance(t *testing.T) {
	got := InnerProductDistance([]float32{1, 2, 3}, []float32{4, 5, 6})
	if got != 1-32 {
		t.Errorf("InnerProductDistance() = %v, want %v", got, 1-32)
	}
}

func TestSquaredL2(t *testing.T) {
	got := SquaredL2([]float32{0, 0}, []float32{3, 4})
	if got != 25 {
		t.Errorf("SquaredL2() = %v, want 25", got)
	}
}

func TestParseMetric(t *testing.T) {
	tests := map[string]DistanceMetric{
		"":              DistanceCosine,
		"cosine":        DistanceCosine,
		"ip":            DistanceInnerProduct,
		"inner_product": DistanceInnerProduct,
		"l2":            DistanceEuclidean,
		"Euclidean":     DistanceEuclidean,
	}
	for in, want := range tests {
		got, err := ParseMetric(in)
		if err != nil {
			t.Errorf("ParseMetric(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseMetric(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseMetric("hamming"); err == nil {
		t.Error("expected error for unsupported metric")
	}
}

func TestDistanceFor(t *testing.T) {
	for _, m := range []DistanceMetric{DistanceCosine, DistanceInnerProduct, DistanceEuclidean} {
		if _, err := DistanceFor(m); err != nil {
			t.Errorf("DistanceFor(%s) error: %v", m, err)
		}
	}
	if _, err := DistanceFor("bogus"); err == nil {
		t.Error("expected error for unknown metric")
	}
}
