// Package landmarks maps named facial regions onto index ranges of the
// 68-point iBUG layout produced by the dlib shape predictor.
package landmarks

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/vigil/internal/types"
)

// ErrShortFace is returned when a face has fewer points than the requested region needs.
var ErrShortFace = errors.New("face has too few landmarks")

// Eye names one of the two eye regions.
type Eye int

const (
	RightEye Eye = iota
	LeftEye
)

func (e Eye) String() string {
	switch e {
	case RightEye:
		return "right_eye"
	case LeftEye:
		return "left_eye"
	}
	return fmt.Sprintf("eye(%d)", int(e))
}

// Range is a half-open [Start, End) slice of landmark indices.
type Range struct {
	Start int
	End   int
}

// Eyes is the region table. Left and right are from the subject's point of view.
var Eyes = [...]Range{
	RightEye: {Start: 36, End: 42},
	LeftEye:  {Start: 42, End: 48},
}

// Count is the number of landmarks in a full face.
const Count = 68

// Extract copies the points of one eye out of a face.
func Extract(face types.Face, eye Eye) (types.EyeShape, error) {
	if eye < RightEye || eye > LeftEye {
		return nil, fmt.Errorf("unknown eye region %d", int(eye))
	}
	r := Eyes[eye]
	if len(face.Points) < r.End {
		return nil, fmt.Errorf("%w: %s needs %d, got %d", ErrShortFace, eye, r.End, len(face.Points))
	}
	out := make(types.EyeShape, r.End-r.Start)
	copy(out, face.Points[r.Start:r.End])
	return out, nil
}

// Pair extracts both eyes, left first.
func Pair(face types.Face) (left, right types.EyeShape, err error) {
	if left, err = Extract(face, LeftEye); err != nil {
		return nil, nil, err
	}
	if right, err = Extract(face, RightEye); err != nil {
		return nil, nil, err
	}
	return left, right, nil
}
