package geometry

import "fmt"

// Point is an absolute target in step units. X drives the bicep axis,
// Y drives the forearm axis.
type Point struct {
	X int
	Y int
}

func (p Point) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

// Position is the last commanded absolute step count of each motor.
type Position struct {
	Bicep   int
	Forearm int
}

// PositionOf returns the position at which both motors sit on p.
func PositionOf(p Point) Position {
	return Position{Bicep: p.X, Forearm: p.Y}
}

// StepDelta is a signed per-axis step count between two positions.
type StepDelta struct {
	Bicep   int
	Forearm int
}

// Abs returns the per-axis magnitudes.
func (d StepDelta) Abs() StepDelta {
	return StepDelta{Bicep: abs(d.Bicep), Forearm: abs(d.Forearm)}
}

// Neg returns the delta in the opposite direction.
func (d StepDelta) Neg() StepDelta {
	return StepDelta{Bicep: -d.Bicep, Forearm: -d.Forearm}
}

// IsZero reports whether no axis has to move.
func (d StepDelta) IsZero() bool {
	return d.Bicep == 0 && d.Forearm == 0
}

// Translate converts target point p into the delta from cur and the new
// absolute position. The delta is cur - p, so a positive component means
// the axis moves back toward zero.
func Translate(p Point, cur Position) (StepDelta, Position) {
	next := PositionOf(p)
	delta := StepDelta{
		Bicep:   cur.Bicep - next.Bicep,
		Forearm: cur.Forearm - next.Forearm,
	}
	return delta, next
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
