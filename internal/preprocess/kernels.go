package preprocess

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// toGray converts to 8-bit luma using color.GrayModel weights.
func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// resizeMax shrinks g so its longer side is at most maxSide. It never upsamples.
func resizeMax(g *image.Gray, maxSide int) *image.Gray {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	longest := max(w, h)
	if maxSide <= 0 || longest <= maxSide {
		return g
	}
	return scaleGray(g, float64(maxSide)/float64(longest))
}

func scaleGray(g *image.Gray, factor float64) *image.Gray {
	b := g.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	h := max(1, int(math.Round(float64(b.Dy())*factor)))
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), g, b, draw.Src, nil)
	return dst
}

// kernelSigma mirrors the sigma OpenCV derives for a Gaussian of the given size.
func kernelSigma(size int) float64 {
	return 0.3*(float64(size-1)*0.5-1) + 0.8
}

func gaussianBlur(g *image.Gray, sigma float64) *image.Gray {
	return toGray(imaging.Blur(g, sigma))
}

// otsuLevel picks the global threshold maximizing between-class variance.
func otsuLevel(g *image.Gray) uint8 {
	var hist [256]int
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, y):g.PixOffset(b.Max.X, y)]
		for _, p := range row {
			hist[p]++
		}
	}

	total := b.Dx() * b.Dy()
	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var (
		sumB    float64
		weightB int
		best    = -1.0
		level   int
	)
	for t := 0; t < 256; t++ {
		weightB += hist[t]
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		meanB := sumB / float64(weightB)
		meanF := (sum - sumB) / float64(weightF)
		between := float64(weightB) * float64(weightF) * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			level = t
		}
	}
	return uint8(level)
}

// binarize sets pixels strictly above level to white and the rest to black.
func binarize(g *image.Gray, level uint8) *image.Gray {
	b := g.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if g.GrayAt(b.Min.X+x, b.Min.Y+y).Y > level {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// bilateral smooths g while keeping edges. d is the neighbourhood diameter.
func bilateral(g *image.Gray, d int, sigmaColor, sigmaSpace float64) *image.Gray {
	radius := d / 2
	type tap struct {
		dx, dy int
		w      float64
	}
	var taps []tap
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r2 := dx*dx + dy*dy
			if r2 > radius*radius {
				continue
			}
			taps = append(taps, tap{dx, dy, math.Exp(-float64(r2) / (2 * sigmaSpace * sigmaSpace))})
		}
	}
	var colorWeight [256]float64
	for i := range colorWeight {
		colorWeight[i] = math.Exp(-float64(i*i) / (2 * sigmaColor * sigmaColor))
	}

	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	src := compact(g)
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			center := int(src.Pix[y*w+x])
			var sum, norm float64
			for _, t := range taps {
				sx := clamp(x+t.dx, 0, w-1)
				sy := clamp(y+t.dy, 0, h-1)
				v := int(src.Pix[sy*w+sx])
				diff := v - center
				if diff < 0 {
					diff = -diff
				}
				weight := t.w * colorWeight[diff]
				sum += weight * float64(v)
				norm += weight
			}
			dst.Pix[y*w+x] = uint8(math.Round(sum / norm))
		}
	}
	return dst
}

// adaptiveThreshold compares each pixel with its Gaussian-weighted
// neighbourhood mean minus c.
func adaptiveThreshold(g *image.Gray, block, c int) *image.Gray {
	src := compact(g)
	mean := gaussianBlur(src, kernelSigma(block))
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for i, p := range src.Pix {
		if int(p) > int(mean.Pix[i])-c {
			dst.Pix[i] = 255
		}
	}
	return dst
}

// openSpeckle is a 2x2 morphological opening: erosion, then dilation with
// the reflected element so nothing shifts.
func openSpeckle(g *image.Gray) *image.Gray {
	src := compact(g)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	eroded := image.NewGray(src.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := src.Pix[y*w+x]
			v = min(v, src.Pix[y*w+min(x+1, w-1)])
			v = min(v, src.Pix[min(y+1, h-1)*w+x])
			v = min(v, src.Pix[min(y+1, h-1)*w+min(x+1, w-1)])
			eroded.Pix[y*w+x] = v
		}
	}
	dst := image.NewGray(src.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := eroded.Pix[y*w+x]
			v = max(v, eroded.Pix[y*w+max(x-1, 0)])
			v = max(v, eroded.Pix[max(y-1, 0)*w+x])
			v = max(v, eroded.Pix[max(y-1, 0)*w+max(x-1, 0)])
			dst.Pix[y*w+x] = v
		}
	}
	return dst
}

// equalizeLuma applies CLAHE to the Y channel, recombines it with the
// source chroma and returns the luma of the result.
func equalizeLuma(src *image.NRGBA, clipLimit float64, tiles int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	luma := make([]uint8, w*h)
	cb := make([]uint8, w*h)
	cr := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			luma[y*w+x], cb[y*w+x], cr[y*w+x] = color.RGBToYCbCr(c.R, c.G, c.B)
		}
	}

	equalized := clahe(luma, w, h, clipLimit, tiles)

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for i := range equalized {
		r, g, bl := color.YCbCrToRGB(equalized[i], cb[i], cr[i])
		dst.Pix[i] = color.GrayModel.Convert(color.RGBA{R: r, G: g, B: bl, A: 0xff}).(color.Gray).Y
	}
	return dst
}

// clahe performs contrast limited adaptive histogram equalization over a
// tiles x tiles grid with bilinear blending between tile mappings.
func clahe(pix []uint8, w, h int, clipLimit float64, tiles int) []uint8 {
	tileW := (w + tiles - 1) / tiles
	tileH := (h + tiles - 1) / tiles
	nx := (w + tileW - 1) / tileW
	ny := (h + tileH - 1) / tileH

	luts := make([][256]uint8, nx*ny)
	for ty := 0; ty < ny; ty++ {
		for tx := 0; tx < nx; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)

			var hist [256]int
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[pix[y*w+x]]++
				}
			}
			area := (x1 - x0) * (y1 - y0)

			limit := max(int(clipLimit*float64(area)/256), 1)
			excess := 0
			for i := range hist {
				if hist[i] > limit {
					excess += hist[i] - limit
					hist[i] = limit
				}
			}
			batch := excess / 256
			residual := excess - batch*256
			for i := range hist {
				hist[i] += batch
			}
			if residual > 0 {
				step := max(256/residual, 1)
				for i := 0; i < 256 && residual > 0; i += step {
					hist[i]++
					residual--
				}
			}

			scale := 255.0 / float64(area)
			sum := 0
			lut := &luts[ty*nx+tx]
			for i := range hist {
				sum += hist[i]
				lut[i] = uint8(min(math.Round(float64(sum)*scale), 255))
			}
		}
	}

	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		tyf := float64(y)/float64(tileH) - 0.5
		ty1 := int(math.Floor(tyf))
		ya := tyf - float64(ty1)
		ty2 := min(ty1+1, ny-1)
		ty1 = max(ty1, 0)
		for x := 0; x < w; x++ {
			txf := float64(x)/float64(tileW) - 0.5
			tx1 := int(math.Floor(txf))
			xa := txf - float64(tx1)
			tx2 := min(tx1+1, nx-1)
			tx1 = max(tx1, 0)

			v := pix[y*w+x]
			top := float64(luts[ty1*nx+tx1][v])*(1-xa) + float64(luts[ty1*nx+tx2][v])*xa
			bottom := float64(luts[ty2*nx+tx1][v])*(1-xa) + float64(luts[ty2*nx+tx2][v])*xa
			out[y*w+x] = uint8(math.Round(top*(1-ya) + bottom*ya))
		}
	}
	return out
}

// compact returns g with a zero origin and Stride equal to its width.
func compact(g *image.Gray) *image.Gray {
	b := g.Bounds()
	if b.Min == (image.Point{}) && g.Stride == b.Dx() {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
	}
	return dst
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
