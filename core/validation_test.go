package core

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestValidateVector(t *testing.T) {
	tests := []struct {
		name    string
		vector  Vector
		dim     int
		wantErr bool
	}{
		{
			name:    "valid vector",
			vector:  Vector{ID: 1, Values: []float32{1.0, 2.0, 3.0}},
			dim:     3,
			wantErr: false,
		},
		{
			name:    "dimension mismatch",
			vector:  Vector{ID: 1, Values: []float32{1.0, 2.0}},
			dim:     3,
			wantErr: true,
		},
		{
			name:    "NaN value",
			vector:  Vector{ID: 1, Values: []float32{1.0, float32(math.NaN()), 3.0}},
			dim:     3,
			wantErr: true,
		},
		{
			name:    "infinite value",
			vector:  Vector{ID: 1, Values: []float32{1.0, float32(math.Inf(1)), 3.0}},
			dim:     3,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVector(tt.vector, tt.dim)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVector() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNewVectorSet(t *testing.T) {
	t.Run("fixes dimension from first vector", func(t *testing.T) {
		set, err := NewVectorSet([]Vector{
			{ID: 1, Values: []float32{1, 2}},
			{ID: 2, Values: []float32{3, 4}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if set.Dimension != 2 || set.Len() != 2 {
			t.Errorf("got dimension %d len %d", set.Dimension, set.Len())
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := NewVectorSet(nil); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("mismatch after first", func(t *testing.T) {
		_, err := NewVectorSet([]Vector{
			{ID: 1, Values: []float32{1, 2}},
			{ID: 2, Values: []float32{3, 4, 5}},
		})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := NewVectorSet([]Vector{
			{ID: 7, Values: []float32{1, 2}},
			{ID: 7, Values: []float32{3, 4}},
		})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestVectorSetSnapshotIsIndependent(t *testing.T) {
	set, err := NewVectorSet([]Vector{{ID: 1, Values: []float32{1, 2}}})
	if err != nil {
		t.Fatal(err)
	}
	snap := set.Snapshot()
	set.Vectors[0].Values[0] = 99
	set.Vectors = append(set.Vectors, Vector{ID: 2, Values: []float32{0, 0}})

	if snap.Vectors[0].Values[0] != 1 {
		t.Errorf("snapshot observed mutation: %v", snap.Vectors[0].Values)
	}
	if snap.Len() != 1 {
		t.Errorf("snapshot length changed to %d", snap.Len())
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"latest", "v1", "prod-2023", "A"}
	for _, name := range valid {
		if err := ValidateName(name, "tag"); err != nil {
			t.Errorf("%q should be valid: %v", name, err)
		}
	}

	invalid := []string{"", "-lead", "trail-", "has space", "under_score", strings.Repeat("a", 64)}
	for _, name := range invalid {
		if err := ValidateName(name, "tag"); err == nil {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestBuildParametersValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  BuildParameters
		wantErr bool
	}{
		{"valid", BuildParameters{M: 16, EfConstruction: 200, EfSearch: 50, Metric: DistanceCosine}, false},
		{"derived ef search", BuildParameters{M: 16, EfConstruction: 200, Metric: DistanceEuclidean}, false},
		{"M too small", BuildParameters{M: 1, EfConstruction: 200, Metric: DistanceCosine}, true},
		{"ef construction too small", BuildParameters{M: 16, EfConstruction: 5, Metric: DistanceCosine}, true},
		{"ef search below k", BuildParameters{M: 16, EfConstruction: 200, EfSearch: 5, Metric: DistanceCosine}, true},
		{"bad metric", BuildParameters{M: 16, EfConstruction: 200, Metric: "hamming"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(10)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobStateTransitions(t *testing.T) {
	path := []JobState{StatePrep, StateIndexing, StateSaving, StateTesting, StateComplete}
	for i := 0; i+1 < len(path); i++ {
		if !path[i].CanTransition(path[i+1]) {
			t.Errorf("%s -> %s should be allowed", path[i], path[i+1])
		}
		if path[i+1].CanTransition(path[i]) {
			t.Errorf("%s -> %s moves backwards", path[i+1], path[i])
		}
		if !path[i].CanTransition(StateFailed) {
			t.Errorf("%s -> failed should be allowed", path[i])
		}
	}

	if StatePrep.CanTransition(StateSaving) {
		t.Error("prep -> saving skips indexing")
	}
	if StateComplete.CanTransition(StateFailed) || StateFailed.CanTransition(StatePrep) {
		t.Error("terminal states must not be left")
	}
	if StatePrep.CanTransition(StatePrep) {
		t.Error("states must not repeat")
	}
}
