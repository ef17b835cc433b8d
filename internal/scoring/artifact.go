package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/mbd888/urlsentry/internal/features"
)

// ErrInvalidArtifact is returned when a classifier artifact is malformed.
var ErrInvalidArtifact = errors.New("scoring: invalid classifier artifact")

// Artifact kinds.
const (
	KindRandomForest = "random_forest"
	KindLogistic     = "logistic"
)

type artifactFile struct {
	Kind      string     `json:"kind"`
	Features  []string   `json:"features"`
	Trees     []treeFile `json:"trees,omitempty"`
	Coef      []float64  `json:"coef,omitempty"`
	Intercept float64    `json:"intercept,omitempty"`
}

type treeFile struct {
	Nodes []Node `json:"nodes"`
}

// Node is one node of a decision tree. Leaves have Left == -1 and carry
// per-class sample counts in Value.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

func (n Node) isLeaf() bool { return n.Left == -1 }

// Forest is a random forest of decision trees. Class probabilities are the
// mean of each tree's normalised leaf counts.
type Forest struct {
	trees [][]Node
}

// PredictProba implements Classifier.
func (f *Forest) PredictProba(x [features.Size]float64) ([2]float64, error) {
	var sum [2]float64
	for _, nodes := range f.trees {
		leaf := walk(nodes, x)
		total := leaf.Value[0] + leaf.Value[1]
		sum[0] += leaf.Value[0] / total
		sum[1] += leaf.Value[1] / total
	}
	n := float64(len(f.trees))
	return [2]float64{sum[0] / n, sum[1] / n}, nil
}

// walk descends from the root. Validation guarantees children sit at higher
// indices than their parent, so the loop terminates.
func walk(nodes []Node, x [features.Size]float64) Node {
	i := 0
	for !nodes[i].isLeaf() {
		n := nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return nodes[i]
}

// Logistic is a logistic-regression classifier.
type Logistic struct {
	coef      [features.Size]float64
	intercept float64
}

// PredictProba implements Classifier.
func (l *Logistic) PredictProba(x [features.Size]float64) ([2]float64, error) {
	z := l.intercept
	for i, c := range l.coef {
		z += c * x[i]
	}
	p1 := 1 / (1 + math.Exp(-z))
	return [2]float64{1 - p1, p1}, nil
}

// LoadArtifact reads and validates a classifier artifact. The declared
// feature names must match features.Names exactly.
func LoadArtifact(path string) (Classifier, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes an artifact held in memory.
func ParseArtifact(data []byte) (Classifier, error) {
	var af artifactFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	if len(af.Features) != features.Size {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrInvalidArtifact, features.Size, len(af.Features))
	}
	for i, name := range af.Features {
		if name != features.Names[i] {
			return nil, fmt.Errorf("%w: feature %d is %q, want %q", ErrInvalidArtifact, i, name, features.Names[i])
		}
	}

	switch af.Kind {
	case KindRandomForest:
		return parseForest(af)
	case KindLogistic:
		return parseLogistic(af)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, af.Kind)
	}
}

func parseForest(af artifactFile) (*Forest, error) {
	if len(af.Trees) == 0 {
		return nil, fmt.Errorf("%w: forest has no trees", ErrInvalidArtifact)
	}
	f := &Forest{trees: make([][]Node, len(af.Trees))}
	for t, tree := range af.Trees {
		if err := validateTree(tree.Nodes); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidArtifact, t, err)
		}
		f.trees[t] = tree.Nodes
	}
	return f, nil
}

func validateTree(nodes []Node) error {
	if len(nodes) == 0 {
		return errors.New("no nodes")
	}
	for i, n := range nodes {
		if n.isLeaf() {
			if len(n.Value) != 2 {
				return fmt.Errorf("leaf %d: expected 2 class counts, got %d", i, len(n.Value))
			}
			if n.Value[0] < 0 || n.Value[1] < 0 || n.Value[0]+n.Value[1] <= 0 {
				return fmt.Errorf("leaf %d: class counts must be non-negative with a positive sum", i)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= features.Size {
			return fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Left >= len(nodes) || n.Right <= i || n.Right >= len(nodes) {
			return fmt.Errorf("node %d: child index out of range", i)
		}
	}
	return nil
}

func parseLogistic(af artifactFile) (*Logistic, error) {
	if len(af.Coef) != features.Size {
		return nil, fmt.Errorf("%w: expected %d coefficients, got %d", ErrInvalidArtifact, features.Size, len(af.Coef))
	}
	l := &Logistic{intercept: af.Intercept}
	copy(l.coef[:], af.Coef)
	return l, nil
}

// Select picks the scorer for the process lifetime. A loadable artifact at
// path selects the model scorer; anything else falls back to the heuristic
// with a warning.
func Select(path string, logger *slog.Logger) Scorer {
	if path == "" {
		logger.Warn("no classifier artifact configured, using heuristic scoring")
		return NewHeuristicScorer()
	}

	clf, err := LoadArtifact(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("classifier artifact not found, using heuristic scoring", "path", path)
		} else {
			logger.Warn("classifier artifact rejected, using heuristic scoring", "path", path, "error", err)
		}
		return NewHeuristicScorer()
	}

	logger.Info("classifier artifact loaded", "path", path)
	return NewModelScorer(clf)
}
