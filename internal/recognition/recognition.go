// Package recognition matches face embeddings from an external detector
// against a set of known faces.
package recognition

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

// UnknownName labels a face that matched no known embedding.
const UnknownName = "Unknown"

// DefaultTolerance is the largest distance accepted as a match.
const DefaultTolerance = 0.5

// KnownFace is one labelled embedding. A name may appear more than once.
type KnownFace struct {
	Name      string    `yaml:"name" validate:"required"`
	Embedding []float64 `yaml:"embedding" validate:"required,min=1"`
}

// Known is an immutable set of labelled embeddings of equal length.
type Known struct {
	faces []KnownFace
	dim   int
}

// Match is the outcome for one detected face.
type Match struct {
	Name       string  `json:"name"`
	Distance   float64 `json:"distance"`
	Authorized bool    `json:"authorized"`
	Box        []int   `json:"box,omitempty"`
}

var validate = validator.New()

// LoadKnown reads a YAML file of the form `faces: [{name, embedding}]`.
func LoadKnown(path string) (*Known, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recognition: read %s: %w", path, err)
	}
	var doc struct {
		Faces []KnownFace `yaml:"faces"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("recognition: parse %s: %w", path, err)
	}
	k, err := NewKnown(doc.Faces)
	if err != nil {
		return nil, fmt.Errorf("recognition: %s: %w", path, err)
	}
	return k, nil
}

// NewKnown validates faces and builds a Known set.
func NewKnown(faces []KnownFace) (*Known, error) {
	if len(faces) == 0 {
		return nil, errors.New("no known faces")
	}
	dim := len(faces[0].Embedding)
	out := make([]KnownFace, len(faces))
	for i, f := range faces {
		if err := validate.Struct(f); err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		if len(f.Embedding) != dim {
			return nil, fmt.Errorf("face %d (%s): embedding length %d, want %d", i, f.Name, len(f.Embedding), dim)
		}
		out[i] = KnownFace{Name: f.Name, Embedding: append([]float64(nil), f.Embedding...)}
	}
	return &Known{faces: out, dim: dim}, nil
}

// Len is the number of known embeddings.
func (k *Known) Len() int { return len(k.faces) }

// Match returns the nearest known face if its Euclidean distance is at most
// tolerance, otherwise UnknownName with the nearest distance seen. A query
// of the wrong length never matches.
func (k *Known) Match(query []float64, tolerance float64) Match {
	if len(query) != k.dim {
		return Match{Name: UnknownName, Distance: math.Inf(1)}
	}
	best, bestDist := -1, math.Inf(1)
	for i, f := range k.faces {
		if d := distance(f.Embedding, query); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 || bestDist > tolerance {
		return Match{Name: UnknownName, Distance: bestDist}
	}
	return Match{Name: k.faces[best].Name, Distance: bestDist, Authorized: true}
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Face is one detection from the external detector.
type Face struct {
	Embedding []float64 `json:"embedding" validate:"required,min=1"`
	Box       []int     `json:"box" validate:"omitempty,len=4"` // top, right, bottom, left
}

// Frame is one JSON line of detector output.
type Frame struct {
	Faces []Face `json:"faces" validate:"dive"`
}

// DecodeFrame parses and validates one detector output line.
func DecodeFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("recognition: decode frame: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return Frame{}, fmt.Errorf("recognition: invalid frame: %w", err)
	}
	return f, nil
}

// MatchFrame matches every face in f.
func (k *Known) MatchFrame(f Frame, tolerance float64) []Match {
	out := make([]Match, 0, len(f.Faces))
	for _, face := range f.Faces {
		m := k.Match(face.Embedding, tolerance)
		m.Box = face.Box
		out = append(out, m)
	}
	return out
}

// RecognitionEvent builds a recognition event for one processed frame.
func RecognitionEvent(matches []Match, now time.Time) telemetry.Event {
	faces := make([]map[string]any, 0, len(matches))
	anyAuthorized := false
	for _, m := range matches {
		face := map[string]any{
			"name":       m.Name,
			"authorized": m.Authorized,
			"distance":   finite(m.Distance),
		}
		if len(m.Box) > 0 {
			face["box"] = m.Box
		}
		faces = append(faces, face)
		anyAuthorized = anyAuthorized || m.Authorized
	}
	return telemetry.NewEvent(telemetry.KindRecognition, now, map[string]any{
		"faces":      faces,
		"authorized": anyAuthorized,
	})
}

// finite maps infinities to nil; encoding/json rejects them.
func finite(v float64) any {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}
