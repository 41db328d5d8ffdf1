package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-copilot/internal/preprocess"
)

const (
	noiseText    = "~~~~"
	receiptText  = "SUPERMART\nTotal amount Rs 1500.00 paid by card"
	shortKeyword = "Total 42"
	cappedText   = "Total amount 15 card"
)

// fakeEngine answers each call with respond(n, req), where n counts calls
// from zero.
type fakeEngine struct {
	mu       sync.Mutex
	calls    int
	requests []Request
	respond  func(n int, req Request) (Recognition, error)
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(ctx context.Context, req Request) (Recognition, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(n, req)
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func text(s string) (Recognition, error) {
	return Recognition{Text: s}, nil
}

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 240, 120))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for i := range 4 {
		y := 20 + i*22
		draw.Draw(img, image.Rect(20, y, 200-i*30, y+10), image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	return img
}

var _ = Describe("Extractor", func() {
	var (
		engine    *fakeEngine
		opts      Options
		extractor *Extractor
		input     preprocess.Input
		result    Result
		err       error
	)

	BeforeEach(func() {
		engine = &fakeEngine{respond: func(int, Request) (Recognition, error) { return text(noiseText) }}
		opts = DefaultOptions()
		input = preprocess.Decoded{Image: testImage()}
	})

	JustBeforeEach(func() {
		extractor = NewExtractor(engine, nil, opts)
		result, err = extractor.Extract(context.Background(), input)
	})

	When("the first attempt is confident and long enough", func() {
		BeforeEach(func() {
			engine.respond = func(int, Request) (Recognition, error) { return text(receiptText) }
		})

		It("stops after one call", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.callCount()).To(Equal(1))
			Expect(result.EarlyExit).To(BeTrue())
			Expect(result.Variant).To(Equal(preprocess.VariantGrayscale))
			Expect(result.Mode).To(Equal(SegModeBlock))
			Expect(result.Text).To(Equal(receiptText))
			Expect(result.Confidence).To(BeNumerically(">", opts.HighConfidence))
		})

		It("sends the configured language and engine mode", func() {
			req := engine.requests[0]
			Expect(req.Language).To(Equal("eng"))
			Expect(req.EngineMode).To(Equal(EngineModeNeural))
			Expect(req.Image).NotTo(BeEmpty())
		})
	})

	When("no attempt clears the early-exit test", func() {
		It("evaluates every combination", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.callCount()).To(Equal(12))
			Expect(result.Evaluated).To(Equal(12))
			Expect(result.EarlyExit).To(BeFalse())
		})

		It("keeps the earliest attempt on a full tie", func() {
			Expect(result.Variant).To(Equal(preprocess.VariantGrayscale))
			Expect(result.Mode).To(Equal(SegModeBlock))
		})
	})

	When("a confident attempt is too short to exit early", func() {
		BeforeEach(func() {
			engine.respond = func(n int, _ Request) (Recognition, error) {
				if n == 5 {
					return text(shortKeyword)
				}
				return text(noiseText)
			}
		})

		It("returns the best score after trying everything", func() {
			Expect(engine.callCount()).To(Equal(12))
			Expect(result.EarlyExit).To(BeFalse())
			Expect(result.Variant).To(Equal(preprocess.VariantOtsu))
			Expect(result.Mode).To(Equal(SegModeRawLine))
			Expect(result.Text).To(Equal(shortKeyword))
			Expect(result.Confidence).To(Equal(Score(shortKeyword)))
		})
	})

	When("scores tie", func() {
		BeforeEach(func() {
			opts.HighConfidence = 1.0
		})

		Context("and one transcription is longer", func() {
			BeforeEach(func() {
				engine.respond = func(n int, _ Request) (Recognition, error) {
					if n == 4 {
						return text(cappedText + " paid in full")
					}
					return text(cappedText)
				}
			})

			It("prefers the longer text", func() {
				Expect(result.Confidence).To(Equal(1.0))
				Expect(result.Variant).To(Equal(preprocess.VariantOtsu))
				Expect(result.Mode).To(Equal(SegModeSingleWord))
			})
		})

		Context("and the lengths match", func() {
			BeforeEach(func() {
				engine.respond = func(n int, _ Request) (Recognition, error) {
					conf := 50.0
					if n == 1 {
						conf = 95
					}
					return Recognition{Text: cappedText, Words: []Word{{Text: "Total", Confidence: conf}}}, nil
				}
			})

			It("falls back to the engine's own confidence", func() {
				Expect(result.Variant).To(Equal(preprocess.VariantGrayscale))
				Expect(result.Mode).To(Equal(SegModeSingleWord))
				Expect(result.EngineConfidence).To(BeNumerically("~", 0.95, 1e-9))
			})
		})
	})

	When("every attempt fails", func() {
		BeforeEach(func() {
			engine.respond = func(int, Request) (Recognition, error) {
				return Recognition{}, errors.New("tesseract timed out")
			}
		})

		It("returns an empty result without an error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(BeEmpty())
			Expect(result.Confidence).To(BeZero())
			Expect(result.Failures).To(Equal(12))
			Expect(result.Evaluated).To(BeZero())
		})
	})

	When("only some attempts fail", func() {
		BeforeEach(func() {
			engine.respond = func(n int, _ Request) (Recognition, error) {
				if n%2 == 0 {
					return Recognition{}, errors.New("flaky")
				}
				return text(shortKeyword)
			}
		})

		It("counts the failures and uses the rest", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Failures).To(Equal(6))
			Expect(result.Evaluated).To(Equal(6))
			Expect(result.Mode).To(Equal(SegModeSingleWord))
		})
	})

	When("the engine is unavailable", func() {
		BeforeEach(func() {
			engine.respond = func(int, Request) (Recognition, error) {
				return Recognition{}, fmt.Errorf("%w: no traineddata for eng", ErrEngineUnavailable)
			}
		})

		It("surfaces the error", func() {
			Expect(err).To(MatchError(ErrEngineUnavailable))
			Expect(result).To(Equal(Result{}))
		})
	})

	When("attempts run concurrently", func() {
		BeforeEach(func() {
			opts.Concurrency = 4
			engine.respond = func(int, Request) (Recognition, error) { return text(receiptText) }
		})

		It("still picks the earliest qualifying attempt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.EarlyExit).To(BeTrue())
			Expect(result.Variant).To(Equal(preprocess.VariantGrayscale))
			Expect(result.Mode).To(Equal(SegModeBlock))
			Expect(engine.callCount()).To(BeNumerically("<=", 12))
		})
	})

	When("later attempts report the engine unavailable after an early exit", func() {
		BeforeEach(func() {
			opts.Concurrency = 4
			engine.respond = func(_ int, req Request) (Recognition, error) {
				if req.SegMode == SegModeBlock {
					time.Sleep(20 * time.Millisecond)
					return text(receiptText)
				}
				time.Sleep(100 * time.Millisecond)
				return Recognition{}, fmt.Errorf("%w: connection reset", ErrEngineUnavailable)
			}
		})

		It("keeps the early exit result", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.EarlyExit).To(BeTrue())
			Expect(result.Variant).To(Equal(preprocess.VariantGrayscale))
			Expect(result.Mode).To(Equal(SegModeBlock))
			Expect(result.Text).To(Equal(receiptText))
		})
	})

	When("an attempt before the early exit reports the engine unavailable", func() {
		BeforeEach(func() {
			opts.Concurrency = 4
			engine.respond = func(_ int, req Request) (Recognition, error) {
				if req.SegMode == SegModeBlock {
					time.Sleep(50 * time.Millisecond)
					return Recognition{}, fmt.Errorf("%w: quota exhausted", ErrEngineUnavailable)
				}
				return text(receiptText)
			}
		})

		It("surfaces the error", func() {
			Expect(err).To(MatchError(ErrEngineUnavailable))
		})
	})

	When("the input cannot be read", func() {
		BeforeEach(func() {
			input = preprocess.Bytes{Data: []byte("not an image")}
		})

		It("returns an input error without calling the engine", func() {
			var inputErr *preprocess.InputError
			Expect(errors.As(err, &inputErr)).To(BeTrue())
			Expect(err).To(MatchError(preprocess.ErrUnsupportedInput))
			Expect(engine.callCount()).To(BeZero())
		})
	})

	When("the registry has an extra pipeline", func() {
		JustBeforeEach(func() {
			registry := preprocess.DefaultRegistry()
			registry.Register(preprocess.NewPipeline("plain", 0, func(src *image.NRGBA) *image.Gray {
				g := image.NewGray(src.Bounds())
				draw.Draw(g, g.Bounds(), src, src.Bounds().Min, draw.Src)
				return g
			}))
			engine.calls = 0
			result, err = NewExtractor(engine, registry, opts).Extract(context.Background(), input)
		})

		It("tries it after the built-in variants", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.callCount()).To(Equal(15))
		})
	})
})

var _ = Describe("Extractor.ExtractImage", func() {
	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		engine := &fakeEngine{respond: func(int, Request) (Recognition, error) {
			cancel()
			return text(noiseText)
		}}

		_, err := NewExtractor(engine, nil, DefaultOptions()).ExtractImage(ctx, testImage())
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("Extractor.ExtractLines", func() {
	It("returns the confident words grouped by line", func() {
		engine := &fakeEngine{respond: func(int, Request) (Recognition, error) {
			return Recognition{
				Text: "SUPERMART\nTotal 1,500.00",
				Words: []Word{
					{Text: "SUPERMART", Confidence: 90, Line: 0},
					{Text: "Total", Confidence: 85, Line: 1},
					{Text: "1,5OO.OO", Confidence: 40, Line: 1},
				},
			}, nil
		}}

		lines, err := NewExtractor(engine, nil, DefaultOptions()).ExtractLines(context.Background(), preprocess.Decoded{Image: testImage()})
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal([]Line{{Text: "SUPERMART", Confidence: 90}, {Text: "Total", Confidence: 85}}))
		Expect(engine.requests).To(HaveLen(1))
		Expect(engine.requests[0].SegMode).To(Equal(SegModeBlock))
	})

	It("wraps engine failures", func() {
		engine := &fakeEngine{respond: func(int, Request) (Recognition, error) {
			return Recognition{}, errors.New("boom")
		}}

		_, err := NewExtractor(engine, nil, DefaultOptions()).ExtractLines(context.Background(), preprocess.Decoded{Image: testImage()})
		Expect(err).To(MatchError(ContainSubstring("recognizing lines: boom")))
	})
})
