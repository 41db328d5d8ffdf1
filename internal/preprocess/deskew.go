package preprocess

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

const (
	// foregroundLevel: pixels darker than this count as ink.
	foregroundLevel = 250

	// minSkewDegrees: smaller estimates are noise and rotating would only blur.
	minSkewDegrees = 0.5
)

type point struct {
	x, y float64
}

// deskew rotates g to counter the skew of its text block.
func deskew(g *image.Gray) *image.Gray {
	angle, ok := skewAngle(g)
	if !ok || math.Abs(angle) < minSkewDegrees {
		return g
	}
	return toGray(imaging.Rotate(g, angle, color.White))
}

// skewAngle estimates the rotation of the foreground in degrees, in (-45, 45].
// A positive angle means the text runs downhill to the right; rotating
// counter-clockwise by that amount levels it.
func skewAngle(g *image.Gray) (float64, bool) {
	b := g.Bounds()
	var pts []point
	for y := b.Min.Y; y < b.Max.Y; y++ {
		left, right := -1, -1
		for x := b.Min.X; x < b.Max.X; x++ {
			if g.GrayAt(x, y).Y < foregroundLevel {
				if left < 0 {
					left = x
				}
				right = x
			}
		}
		if left < 0 {
			continue
		}
		// Row extremes are enough: interior points never lie on the hull.
		pts = append(pts, point{float64(left), float64(y)})
		if right != left {
			pts = append(pts, point{float64(right), float64(y)})
		}
	}

	hull := convexHull(pts)
	if len(hull) < 3 {
		return 0, false
	}
	return minAreaAngle(hull), true
}

// convexHull returns the hull in counter-clockwise order (monotone chain).
func convexHull(pts []point) []point {
	if len(pts) < 3 {
		return nil
	}
	sorted := make([]point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].x != sorted[j].x {
			return sorted[i].x < sorted[j].x
		}
		return sorted[i].y < sorted[j].y
	})

	cross := func(o, a, b point) float64 {
		return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
	}

	hull := make([]point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// minAreaAngle finds the minimal-area enclosing rectangle with rotating
// calipers and returns the angle of one of its edges.
func minAreaAngle(hull []point) float64 {
	bestArea := math.Inf(1)
	bestAngle := 0.0
	n := len(hull)
	for i := 0; i < n; i++ {
		p, q := hull[i], hull[(i+1)%n]
		dx, dy := q.x-p.x, q.y-p.y
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		ux, uy := dx/length, dy/length

		minU, maxU := math.Inf(1), math.Inf(-1)
		minV, maxV := math.Inf(1), math.Inf(-1)
		for _, h := range hull {
			u := h.x*ux + h.y*uy
			v := -h.x*uy + h.y*ux
			minU, maxU = math.Min(minU, u), math.Max(maxU, u)
			minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		}
		area := (maxU - minU) * (maxV - minV)
		if area < bestArea {
			bestArea = area
			bestAngle = math.Atan2(uy, ux) * 180 / math.Pi
		}
	}
	return normalizeAngle(bestAngle)
}

// normalizeAngle folds a rectangle edge angle into (-45, 45].
func normalizeAngle(deg float64) float64 {
	for deg > 45 {
		deg -= 90
	}
	for deg <= -45 {
		deg += 90
	}
	return deg
}
