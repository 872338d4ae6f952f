package core

import (
	"math"
	"regexp"
)

const (
	// MinM is the smallest number of links per node the graph accepts
	MinM = 2
	// MinEfConstruction is the smallest accepted build-time search width
	MinEfConstruction = 10
	// MaxTagLength bounds tags and collection names
	MaxTagLength = 63
)

// allowedName follows DNS label rules
var allowedName = regexp.MustCompile(`(?i)^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateName checks a tag or collection name against DNS label rules.
// kind is used in the error message.
func ValidateName(name, kind string) error {
	if name == "" || len(name) > MaxTagLength {
		return Validationf("%q is an invalid %s: it must not be empty and is limited to %d characters", name, kind, MaxTagLength)
	}
	if !allowedName.MatchString(name) {
		return Validationf("%q is an invalid %s: it can only contain letters, numbers and hyphens, and must not start or end with a hyphen", name, kind)
	}
	return nil
}

// NewVectorSet builds a VectorSet, fixing the dimension from the first vector.
// An empty input, a dimension mismatch, a non-finite component or a
// duplicate id is a validation error.
func NewVectorSet(vectors []Vector) (VectorSet, error) {
	if len(vectors) == 0 {
		return VectorSet{}, Validationf("vector set is empty")
	}
	dim := len(vectors[0].Values)
	if dim == 0 {
		return VectorSet{}, Validationf("vector %d has no components", vectors[0].ID)
	}
	seen := make(map[uint64]struct{}, len(vectors))
	for _, vec := range vectors {
		if err := ValidateVector(vec, dim); err != nil {
			return VectorSet{}, err
		}
		if _, dup := seen[vec.ID]; dup {
			return VectorSet{}, Validationf("duplicate vector id %d", vec.ID)
		}
		seen[vec.ID] = struct{}{}
	}
	return VectorSet{Dimension: dim, Vectors: vectors}, nil
}

// ValidateVector checks a vector against the expected dimension
func ValidateVector(vec Vector, dimension int) error {
	if len(vec.Values) != dimension {
		return Validationf("vector %d has dimension %d, expected %d", vec.ID, len(vec.Values), dimension)
	}
	for i, val := range vec.Values {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return Validationf("vector %d contains a non-finite value at index %d", vec.ID, i)
		}
	}
	return nil
}

// Validate checks the declared dimension against every vector in the set
func (s VectorSet) Validate() error {
	if len(s.Vectors) == 0 {
		return Validationf("vector set is empty")
	}
	if s.Dimension <= 0 {
		return Validationf("vector set dimension must be positive, got %d", s.Dimension)
	}
	for _, vec := range s.Vectors {
		if err := ValidateVector(vec, s.Dimension); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks build parameters. topK is the k later used for queries;
// a zero EfSearch means "derive it at build time" and is accepted.
func (p BuildParameters) Validate(topK int) error {
	if p.M < MinM {
		return Validationf("M must be >= %d, got %d", MinM, p.M)
	}
	if p.EfConstruction < MinEfConstruction {
		return Validationf("ef_construction must be >= %d, got %d", MinEfConstruction, p.EfConstruction)
	}
	if p.EfSearch != 0 && p.EfSearch < topK {
		return Validationf("ef_search must be >= top_k (%d), got %d", topK, p.EfSearch)
	}
	if !p.Metric.Valid() {
		return Validationf("unsupported distance metric %q", p.Metric)
	}
	return nil
}

// ValidateTargetRecall checks a requested recall target
func ValidateTargetRecall(target float64) error {
	if target <= 0 || target >= 1 || math.IsNaN(target) {
		return Validationf("target_recall must be in (0, 1), got %v", target)
	}
	return nil
}
