package types

import "time"

// Point is a single 2-D landmark coordinate in frame pixels.
type Point struct {
	X float64
	Y float64
}

// EyeShape holds the six landmarks of one eye.
// Indices 0 and 3 are the horizontal corners; 1/5 and 2/4 are the vertical lid pairs.
type EyeShape []Point

// Face is the ordered landmark set returned by the worker for one detected face.
type Face struct {
	Points []Point
}

// Frame is a single JPEG-encoded image pulled from the capture source.
type Frame struct {
	Index int
	Data  []byte
	At    time.Time
}
