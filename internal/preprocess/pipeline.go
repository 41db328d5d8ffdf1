package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// RegistryVersion changes whenever a default pipeline changes its output.
const RegistryVersion = "2"

// Variant names in default registry order.
const (
	VariantGrayscale = "grayscale"
	VariantOtsu      = "otsu"
	VariantAdaptive  = "adaptive"
	VariantCLAHE     = "clahe"
)

const (
	// DefaultMaxSide bounds the longer side before thresholding.
	DefaultMaxSide = 1600

	// upscaleFactor enlarges the adaptive output for glyph legibility.
	upscaleFactor = 1.5

	bilateralDiameter = 7
	bilateralSigma    = 75
	adaptiveBlock     = 31
	adaptiveOffset    = 11
	otsuBlurKernel    = 5
	claheClipLimit    = 2.0
	claheTiles        = 8
)

// Candidate is one normalized single-channel rendition of the input.
type Candidate struct {
	Variant string
	Image   *image.Gray
	// MaxSide is the longer-side bound applied before thresholding, 0 if none.
	MaxSide int
}

// PNG encodes the candidate. Identical images give identical bytes.
func (c Candidate) PNG() ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, c.Image); err != nil {
		return nil, fmt.Errorf("encoding %s candidate: %w", c.Variant, err)
	}
	return buf.Bytes(), nil
}

// Pipeline is a named, pure image transformation.
type Pipeline struct {
	Name    string
	MaxSide int
	run     func(*image.NRGBA) *image.Gray
}

// NewPipeline creates a pipeline from a transformation function.
func NewPipeline(name string, maxSide int, run func(*image.NRGBA) *image.Gray) Pipeline {
	return Pipeline{Name: name, MaxSide: maxSide, run: run}
}

// Apply runs the pipeline. A panic inside the transformation is returned as
// an error so one broken variant cannot take down the search.
func (p Pipeline) Apply(src *image.NRGBA) (c Candidate, err error) {
	if src == nil || src.Bounds().Empty() {
		return Candidate{}, fmt.Errorf("applying %s pipeline: empty image", p.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("applying %s pipeline: %v", p.Name, r)
		}
	}()

	out := p.run(src)
	if out == nil || out.Bounds().Empty() {
		return Candidate{}, fmt.Errorf("applying %s pipeline: produced no image", p.Name)
	}
	return Candidate{Variant: p.Name, Image: out, MaxSide: p.MaxSide}, nil
}

// Registry is an ordered, versioned list of pipelines.
type Registry struct {
	Version   string
	pipelines []Pipeline
}

// NewRegistry creates a registry holding the given pipelines in order.
func NewRegistry(version string, pipelines ...Pipeline) *Registry {
	return &Registry{Version: version, pipelines: append([]Pipeline(nil), pipelines...)}
}

// DefaultRegistry returns the grayscale, otsu, adaptive and clahe pipelines.
func DefaultRegistry() *Registry {
	return NewRegistry(RegistryVersion,
		NewPipeline(VariantGrayscale, 0, grayscalePipeline),
		NewPipeline(VariantOtsu, 0, otsuPipeline),
		NewPipeline(VariantAdaptive, DefaultMaxSide, adaptivePipeline),
		NewPipeline(VariantCLAHE, 0, clahePipeline),
	)
}

// Pipelines returns a copy of the registered pipelines in order.
func (r *Registry) Pipelines() []Pipeline {
	return append([]Pipeline(nil), r.pipelines...)
}

// Lookup finds a pipeline by name.
func (r *Registry) Lookup(name string) (Pipeline, bool) {
	for _, p := range r.pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return Pipeline{}, false
}

// Register appends a pipeline. Existing order is preserved.
func (r *Registry) Register(p Pipeline) {
	r.pipelines = append(r.pipelines, p)
}

func grayscalePipeline(src *image.NRGBA) *image.Gray {
	return toGray(src)
}

func otsuPipeline(src *image.NRGBA) *image.Gray {
	g := gaussianBlur(toGray(src), kernelSigma(otsuBlurKernel))
	return binarize(g, otsuLevel(g))
}

func adaptivePipeline(src *image.NRGBA) *image.Gray {
	g := resizeMax(toGray(src), DefaultMaxSide)
	g = bilateral(g, bilateralDiameter, bilateralSigma, bilateralSigma)
	g = deskew(g)
	g = adaptiveThreshold(g, adaptiveBlock, adaptiveOffset)
	g = openSpeckle(g)
	return scaleGray(g, upscaleFactor)
}

func clahePipeline(src *image.NRGBA) *image.Gray {
	g := equalizeLuma(src, claheClipLimit, claheTiles)
	return binarize(g, otsuLevel(g))
}
