package vision

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Point is a sub-pixel image coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt converts an integer image point
func Pt(p image.Point) Point {
	return Point{X: float64(p.X), Y: float64(p.Y)}
}

// Image rounds to the nearest pixel
func (p Point) Image() image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

func (p Point) point2f() gocv.Point2f {
	return gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
}

// Distance returns the euclidean distance between two points
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// ParseCorners parses four "x,y" pairs separated by spaces or semicolons,
// e.g. "12,10 500,14 498,505 9,500"
func ParseCorners(s string) ([]Point, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ';' || r == '\t'
	})
	if len(fields) != 4 {
		return nil, fmt.Errorf("expected 4 corners, got %d", len(fields))
	}

	pts := make([]Point, 0, 4)
	for _, f := range fields {
		xs, ys, ok := strings.Cut(f, ",")
		if !ok {
			return nil, fmt.Errorf("corner %q is not x,y", f)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		if err != nil {
			return nil, fmt.Errorf("corner %q: %w", f, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if err != nil {
			return nil, fmt.Errorf("corner %q: %w", f, err)
		}
		pts = append(pts, Point{X: x, Y: y})
	}
	return pts, nil
}

// Quad is a board outline ordered TL, TR, BR, BL
type Quad [4]Point

// OrderCorners sorts four points into TL, TR, BR, BL. The top-left corner has
// the smallest x+y and the bottom-right the largest; top-right has the
// smallest y-x and bottom-left the largest.
func OrderCorners(pts []Point) (Quad, error) {
	var q Quad
	if len(pts) != 4 {
		return q, fmt.Errorf("expected 4 corners, got %d", len(pts))
	}

	tl, br, tr, bl := 0, 0, 0, 0
	for i, p := range pts {
		if p.X+p.Y < pts[tl].X+pts[tl].Y {
			tl = i
		}
		if p.X+p.Y > pts[br].X+pts[br].Y {
			br = i
		}
		if p.Y-p.X < pts[tr].Y-pts[tr].X {
			tr = i
		}
		if p.Y-p.X > pts[bl].Y-pts[bl].X {
			bl = i
		}
	}

	seen := map[int]bool{tl: true, tr: true, br: true, bl: true}
	if len(seen) != 4 {
		return q, fmt.Errorf("corners are degenerate")
	}

	q = Quad{pts[tl], pts[tr], pts[br], pts[bl]}
	return q, nil
}

// Area returns the quad area using the shoelace formula
func (q Quad) Area() float64 {
	return PolygonArea(q[:])
}

// IsConvex reports whether the quad is a strictly convex polygon
func (q Quad) IsConvex() bool {
	return IsConvex(q[:])
}

// Center returns the centroid of the four corners
func (q Quad) Center() Point {
	var c Point
	for _, p := range q {
		c.X += p.X / 4
		c.Y += p.Y / 4
	}
	return c
}

// Bounds returns the integer bounding box of the quad
func (q Quad) Bounds() image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range q {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}

func (q Quad) points2f() gocv.Point2fVector {
	pts := make([]gocv.Point2f, 4)
	for i, p := range q {
		pts[i] = p.point2f()
	}
	return gocv.NewPoint2fVectorFromPoints(pts)
}

// PolygonArea returns the absolute area of a simple polygon
func PolygonArea(pts []Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	sum := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}

// IsConvex reports whether the polygon turns in a single direction at every
// vertex. Collinear vertices make it non-convex.
func IsConvex(pts []Point) bool {
	n := len(pts)
	if n < 3 {
		return false
	}

	sign := 0
	for i := 0; i < n; i++ {
		a, b, c := pts[i], pts[(i+1)%n], pts[(i+2)%n]
		cross := (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if math.Abs(cross) < 1e-9 {
			return false
		}
		s := 1
		if cross < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return true
}

// Homography is a 3x3 projective transform stored row-major with H[8] = 1
type Homography [9]float64

// ComputeHomography solves for the transform mapping src[i] onto dst[i]
func ComputeHomography(src, dst Quad) (Homography, error) {
	var h Homography

	A := mat.NewDense(8, 8, nil)
	B := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y

		A.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		A.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		B.SetVec(2*i, u)
		B.SetVec(2*i+1, v)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return h, fmt.Errorf("homography solve failed: %w", err)
	}

	for i := 0; i < 8; i++ {
		h[i] = params.AtVec(i)
	}
	h[8] = 1
	return h, nil
}

// Project applies the homography to a point
func (h Homography) Project(p Point) Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 {
		return Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// SquareQuad returns the axis-aligned quad of a side x side canvas
func SquareQuad(side int) Quad {
	s := float64(side)
	return Quad{{0, 0}, {s, 0}, {s, s}, {0, s}}
}
