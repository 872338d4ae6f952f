package optimizer

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

//go:embed default_model.json
var defaultModel []byte

// Model predicts one outcome from a feature vector
type Model interface {
	Predict(x []float64) float64
}

// LinearModel is intercept + coef·x
type LinearModel struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Predict implements Model
func (m *LinearModel) Predict(x []float64) float64 {
	return m.Intercept + floats.Dot(m.Coef, x)
}

// TreeNode is a node of a regression tree. A node with Feature < 0 is a leaf.
type TreeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

// Tree is a CART regression tree stored as a flat node list rooted at 0
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// Predict walks the tree: x[f] <= t goes left
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= NumFeatures {
			return fmt.Errorf("node %d splits on unknown feature %d", i, n.Feature)
		}
		// children always follow their parent, which rules out cycles
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

// Forest averages its trees
type Forest struct {
	Trees []Tree `json:"trees"`
}

// Predict implements Model
func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// modelSpec is the on-disk form of one Model
type modelSpec struct {
	Kind   string       `json:"kind"`
	Linear *LinearModel `json:"linear,omitempty"`
	Forest *Forest      `json:"forest,omitempty"`
}

func specFor(m Model) (modelSpec, error) {
	switch v := m.(type) {
	case *LinearModel:
		return modelSpec{Kind: "linear", Linear: v}, nil
	case *Forest:
		return modelSpec{Kind: "forest", Forest: v}, nil
	default:
		return modelSpec{}, fmt.Errorf("unsupported model type %T", m)
	}
}

func (s modelSpec) model(name string) (Model, error) {
	switch s.Kind {
	case "linear":
		if s.Linear == nil || len(s.Linear.Coef) != NumFeatures {
			return nil, core.Validationf("%s: linear model needs %d coefficients", name, NumFeatures)
		}
		return s.Linear, nil
	case "forest":
		if s.Forest == nil || len(s.Forest.Trees) == 0 {
			return nil, core.Validationf("%s: forest has no trees", name)
		}
		for i := range s.Forest.Trees {
			if err := s.Forest.Trees[i].validate(); err != nil {
				return nil, core.Validationf("%s: tree %d: %v", name, i, err)
			}
		}
		return s.Forest, nil
	default:
		return nil, core.Validationf("%s: unknown model kind %q", name, s.Kind)
	}
}

type surrogateFile struct {
	Version      int       `json:"version"`
	Description  string    `json:"description,omitempty"`
	IndexBytes   modelSpec `json:"index_bytes"`
	Recall       modelSpec `json:"recall"`
	BuildSeconds modelSpec `json:"build_seconds"`
	Latency      modelSpec `json:"latency_seconds"`
}

const surrogateVersion = 1

// Surrogates holds the four trained predictors. It is never modified after
// loading and is safe for concurrent use.
type Surrogates struct {
	IndexBytes   Model
	Recall       Model
	BuildSeconds Model
	Latency      Model
	Description  string
}

// LoadSurrogates decodes a model file
func LoadSurrogates(r io.Reader) (*Surrogates, error) {
	var f surrogateFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, core.Validationf("failed to decode surrogate models: %v", err)
	}
	if f.Version != surrogateVersion {
		return nil, core.Validationf("unsupported surrogate model version %d", f.Version)
	}

	s := &Surrogates{Description: f.Description}
	var err error
	if s.IndexBytes, err = f.IndexBytes.model("index_bytes"); err != nil {
		return nil, err
	}
	if s.Recall, err = f.Recall.model("recall"); err != nil {
		return nil, err
	}
	if s.BuildSeconds, err = f.BuildSeconds.model("build_seconds"); err != nil {
		return nil, err
	}
	if s.Latency, err = f.Latency.model("latency_seconds"); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSurrogatesFile loads models from path, or the built-in models when
// path is empty
func LoadSurrogatesFile(path string) (*Surrogates, error) {
	if path == "" {
		return DefaultSurrogates()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open surrogate models: %w", err)
	}
	defer f.Close()
	return LoadSurrogates(f)
}

// DefaultSurrogates returns the models compiled into the binary
func DefaultSurrogates() (*Surrogates, error) {
	return LoadSurrogates(bytes.NewReader(defaultModel))
}

// Save writes the models in the format LoadSurrogates reads
func (s *Surrogates) Save(w io.Writer) error {
	f := surrogateFile{Version: surrogateVersion, Description: s.Description}
	var err error
	if f.IndexBytes, err = specFor(s.IndexBytes); err != nil {
		return err
	}
	if f.Recall, err = specFor(s.Recall); err != nil {
		return err
	}
	if f.BuildSeconds, err = specFor(s.BuildSeconds); err != nil {
		return err
	}
	if f.Latency, err = specFor(s.Latency); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

// Predict evaluates all four models for one candidate. Outputs are clamped
// to their physical ranges.
func (s *Surrogates) Predict(dim, n int, c Candidate) core.Prediction {
	x := Features(dim, n, c)
	return core.Prediction{
		Recall:         clamp(s.Recall.Predict(x), 0, 1),
		BuildSeconds:   math.Max(0, s.BuildSeconds.Predict(x)),
		LatencySeconds: math.Max(0, s.Latency.Predict(x)),
		IndexBytes:     int64(math.Max(0, s.IndexBytes.Predict(x))),
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
