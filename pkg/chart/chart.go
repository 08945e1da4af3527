// Package chart is the visualization sink for the validator-count series.
package chart

import (
	"fmt"
	"sync"

	"github.com/guptarohit/asciigraph"
)

const NotEnoughData = "Not enough data to draw graph."

// Point is one (x, y) pair in append order.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Chart accumulates points and renders them with asciigraph. OnRedraw, when
// set, is called after every append.
type Chart struct {
	caption   string
	height    int
	width     int
	maxPoints int
	points    []Point
	onRedraw  func()
	mu        sync.RWMutex
}

type Option func(*Chart)

func WithCaption(s string) Option {
	return func(c *Chart) { c.caption = s }
}

func WithSize(width, height int) Option {
	return func(c *Chart) {
		if width > 0 {
			c.width = width
		}
		if height > 0 {
			c.height = height
		}
	}
}

// WithMaxPoints caps the retained points. Zero keeps all.
func WithMaxPoints(n int) Option {
	return func(c *Chart) { c.maxPoints = n }
}

func WithRedraw(fn func()) Option {
	return func(c *Chart) { c.onRedraw = fn }
}

func New(opts ...Option) *Chart {
	c := &Chart{
		caption: "Validators per block",
		height:  10,
		width:   60,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppendPoint adds one point and triggers a redraw.
func (c *Chart) AppendPoint(x, y float64) {
	c.mu.Lock()
	c.points = append(c.points, Point{X: x, Y: y})
	if c.maxPoints > 0 && len(c.points) > c.maxPoints {
		c.points = append([]Point(nil), c.points[len(c.points)-c.maxPoints:]...)
	}
	redraw := c.onRedraw
	c.mu.Unlock()

	if redraw != nil {
		redraw()
	}
}

// SetRedraw replaces the redraw callback.
func (c *Chart) SetRedraw(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRedraw = fn
}

func (c *Chart) Points() []Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Point, len(c.points))
	copy(out, c.points)
	return out
}

func (c *Chart) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points)
}

// Render plots the y values at the configured size.
func (c *Chart) Render() string {
	return c.RenderSize(0, 0)
}

// RenderSize plots at the given size, falling back to the configured one for
// non-positive values.
func (c *Chart) RenderSize(width, height int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.points) < 2 {
		return NotEnoughData
	}
	if width <= 0 {
		width = c.width
	}
	if height <= 0 {
		height = c.height
	}

	ys := make([]float64, len(c.points))
	for i, p := range c.points {
		ys[i] = p.Y
	}
	first, last := c.points[0].X, c.points[len(c.points)-1].X
	return asciigraph.Plot(ys,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Precision(0),
		asciigraph.Caption(fmt.Sprintf("%s (blocks %.0f to %.0f)", c.caption, first, last)),
	)
}
