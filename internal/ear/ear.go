// Package ear computes the eye aspect ratio, a scale-invariant measure of
// how open an eye is, from the six landmarks that outline it.
package ear

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/vigil/internal/types"
)

// ShapeSize is the number of landmarks that describe one eye.
const ShapeSize = 6

// Circular is the ratio of six points spaced evenly on a circle, corners included.
// Open eyes typically measure 0.25-0.4, closed eyes fall under 0.2.
var Circular = math.Sqrt(3) / 2

// minCornerDistance guards the division; corners closer than this are treated as coincident.
const minCornerDistance = 1e-9

var (
	// ErrInvalidShape is returned when an eye does not have exactly ShapeSize points.
	ErrInvalidShape = errors.New("eye shape must have exactly 6 points")
	// ErrDegenerateGeometry is returned when the eye corners coincide.
	ErrDegenerateGeometry = errors.New("eye corners coincide")
)

// Ratio returns (|p1-p5| + |p2-p4|) / (2 * |p0-p3|).
func Ratio(eye types.EyeShape) (float64, error) {
	if len(eye) != ShapeSize {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidShape, len(eye))
	}

	a := distance(eye[1], eye[5])
	b := distance(eye[2], eye[4])
	c := distance(eye[0], eye[3])

	if c < minCornerDistance {
		return 0, ErrDegenerateGeometry
	}
	return (a + b) / (2 * c), nil
}

// Frame averages the ratios of both eyes into the single openness value for a face.
func Frame(left, right types.EyeShape) (float64, error) {
	l, err := Ratio(left)
	if err != nil {
		return 0, fmt.Errorf("left eye: %w", err)
	}
	r, err := Ratio(right)
	if err != nil {
		return 0, fmt.Errorf("right eye: %w", err)
	}
	return (l + r) / 2, nil
}

func distance(p, q types.Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}
