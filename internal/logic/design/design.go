// Package design decodes drawings sent by the Robo Zen app or stored as
// JSON files into step-unit paths.
package design

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cjeanneret/ZenArm/internal/logic/geometry"
)

// ErrEmptyDrawing is returned by Path when a drawing has no strokes.
var ErrEmptyDrawing = errors.New("drawing has no strokes")

// Drawing is a named list of strokes. Each stroke is an ordered list of
// points in step units.
type Drawing struct {
	ID      int
	Name    string
	Strokes [][]geometry.Point
}

// Path returns the stroke the arm draws: the first one.
func (d *Drawing) Path() ([]geometry.Point, error) {
	if len(d.Strokes) == 0 {
		return nil, ErrEmptyDrawing
	}
	return d.Strokes[0], nil
}

// PointCount returns the number of points over all strokes.
func (d *Drawing) PointCount() int {
	n := 0
	for _, s := range d.Strokes {
		n += len(s)
	}
	return n
}

// upload mirrors the JSON body posted by the app:
// {"id": 1, "name": "wave", "points": [[[x, y], ...], ...]}
type upload struct {
	ID     int                 `json:"id"`
	Name   string              `json:"name"`
	Points [][]json.RawMessage `json:"points"`
}

// Load reads a drawing from a JSON file.
func Load(path string) (*Drawing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read design file: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return d, nil
}

// Decode reads a drawing from r. See Parse.
func Decode(r io.Reader) (*Drawing, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read design: %w", err)
	}
	return Parse(data)
}

// Parse decodes either an app upload object or a bare list of strokes
// ([[[x, y], ...], ...]). Coordinates are truncated toward zero.
func Parse(data []byte) (*Drawing, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty design")
	}

	var u upload
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &u.Points); err != nil {
			return nil, fmt.Errorf("unmarshal strokes: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &u); err != nil {
		return nil, fmt.Errorf("unmarshal drawing: %w", err)
	}

	d := &Drawing{
		ID:      u.ID,
		Name:    u.Name,
		Strokes: make([][]geometry.Point, len(u.Points)),
	}
	for si, stroke := range u.Points {
		d.Strokes[si] = make([]geometry.Point, len(stroke))
		for pi, raw := range stroke {
			p, err := parsePoint(raw)
			if err != nil {
				return nil, fmt.Errorf("stroke %d point %d: %w", si, pi, err)
			}
			d.Strokes[si][pi] = p
		}
	}
	return d, nil
}

func parsePoint(raw json.RawMessage) (geometry.Point, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var vals []interface{}
	if err := dec.Decode(&vals); err != nil {
		return geometry.Point{}, fmt.Errorf("want [x, y], got %s", raw)
	}
	if len(vals) != 2 {
		return geometry.Point{}, fmt.Errorf("want 2 coordinates, got %d", len(vals))
	}
	x, err := coordinate(vals[0])
	if err != nil {
		return geometry.Point{}, fmt.Errorf("x: %w", err)
	}
	y, err := coordinate(vals[1])
	if err != nil {
		return geometry.Point{}, fmt.Errorf("y: %w", err)
	}
	return geometry.Point{X: x, Y: y}, nil
}

// coordinate truncates a JSON number toward zero.
func coordinate(v interface{}) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", v)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", n)
	}
	t := math.Trunc(f)
	if t > math.MaxInt32 || t < math.MinInt32 {
		return 0, fmt.Errorf("%s out of range", n)
	}
	return int(t), nil
}
