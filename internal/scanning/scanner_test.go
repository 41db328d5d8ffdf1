package scanning

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Describe("Score", func() {
	It("returns zero for text under three characters", func() {
		Expect(Score("")).To(BeZero())
		Expect(Score("ab")).To(BeZero())
	})

	It("stays within [0,1]", func() {
		for _, text := range []string{
			"~~~",
			"!!!! ???? ....",
			"TOTAL AMOUNT TAX DATE RECEIPT SUBTOTAL QTY PRICE CASH CARD " + strings.Repeat("9", 200),
		} {
			score := Score(text)
			Expect(score).To(BeNumerically(">=", 0))
			Expect(score).To(BeNumerically("<=", 1))
		}
	})

	It("counts runes rather than bytes", func() {
		Expect(Score("₹₹")).To(BeZero())
	})

	It("never drops when a keyword replaces a non-keyword of equal length", func() {
		text := "zzzzz zzzzz zzzzz zzzzz"
		previous := Score(text)
		for _, w := range []string{"total", "price", "rupay", "qtyzz"} {
			text = strings.Replace(text, "zzzzz", w, 1)
			current := Score(text)
			Expect(current).To(BeNumerically(">=", previous), text)
			previous = current
		}
	})

	It("rewards receipt keywords", func() {
		Expect(Score("Total 1500.00")).To(BeNumerically(">", Score("Zebra 1500.00")))
	})

	It("rewards alphanumeric density", func() {
		Expect(Score("abcdef")).To(BeNumerically(">", Score("ab--ef")))
	})
})

var _ = Describe("normalize", func() {
	It("trims trailing space on each line and blank lines at the ends", func() {
		Expect(normalize("\n\nSUPERMART  \r\nTotal 1.00\t\n\n")).To(Equal("SUPERMART\nTotal 1.00"))
	})

	It("keeps interior blank lines", func() {
		Expect(normalize("A\n\nB")).To(Equal("A\n\nB"))
	})
})

var _ = Describe("Recognition", func() {
	It("averages word confidence onto [0,1]", func() {
		rec := Recognition{Words: []Word{{Confidence: 80}, {Confidence: 100}}}
		conf, ok := rec.MeanConfidence()
		Expect(ok).To(BeTrue())
		Expect(conf).To(BeNumerically("~", 0.9, 1e-9))
	})

	It("reports no confidence without words", func() {
		_, ok := Recognition{Text: "TOTAL"}.MeanConfidence()
		Expect(ok).To(BeFalse())
	})

	It("clamps out-of-range confidences", func() {
		conf, _ := Recognition{Words: []Word{{Confidence: 140}}}.MeanConfidence()
		Expect(conf).To(Equal(1.0))
	})
})

var _ = Describe("SegMode", func() {
	It("names the known layouts", func() {
		Expect(SegModeBlock.String()).To(Equal("block"))
		Expect(SegModeSingleWord.String()).To(Equal("single-word"))
		Expect(SegModeRawLine.String()).To(Equal("raw-line"))
		Expect(SegMode(3).String()).To(Equal("psm-3"))
	})
})

var _ = Describe("CleanLines", func() {
	It("drops weak words and joins the rest by line", func() {
		words := []Word{
			{Text: "SUPERMART", Confidence: 91, Line: 0},
			{Text: "~", Confidence: 12, Line: 0},
			{Text: "Total", Confidence: 88, Line: 1},
			{Text: "1,500.00", Confidence: 72, Line: 1},
			{Text: "  ", Confidence: 99, Line: 2},
			{Text: "%%", Confidence: 30, Line: 3},
		}

		lines := CleanLines(words, 60)
		Expect(lines).To(HaveLen(2))
		Expect(lines[0]).To(Equal(Line{Text: "SUPERMART", Confidence: 91}))
		Expect(lines[1].Text).To(Equal("Total 1,500.00"))
		Expect(lines[1].Confidence).To(BeNumerically("~", 80, 1e-9))
	})

	It("returns nothing for engines without words", func() {
		Expect(CleanLines(nil, 60)).To(BeEmpty())
	})
})

// countingEngine tracks how many calls are in flight at once.
type countingEngine struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	block    chan struct{}
}

func (c *countingEngine) Name() string { return "counting" }

func (c *countingEngine) Recognize(ctx context.Context, req Request) (Recognition, error) {
	c.mu.Lock()
	c.inFlight++
	c.peak = max(c.peak, c.inFlight)
	c.mu.Unlock()

	if c.block != nil {
		<-c.block
	} else {
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return Recognition{Text: "ok"}, nil
}

func (c *countingEngine) Close() error { return nil }

var _ = Describe("limits", func() {
	var engine *countingEngine

	BeforeEach(func() {
		engine = &countingEngine{}
	})

	It("returns the engine unchanged when no limit is set", func() {
		Expect(Throttle(engine, 0, 5)).To(BeIdenticalTo(engine))
		Expect(Limit(engine, 0)).To(BeIdenticalTo(engine))
	})

	It("keeps the wrapped engine's name", func() {
		Expect(Limit(Throttle(engine, 10, 1), 2).Name()).To(Equal("counting"))
	})

	It("caps calls in flight", func() {
		limited := Limit(engine, 1)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := limited.Recognize(context.Background(), Request{})
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()

		Expect(engine.peak).To(Equal(1))
	})

	It("gives up waiting for a slot when the context ends", func() {
		engine.block = make(chan struct{})
		limited := Limit(engine, 1)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = limited.Recognize(context.Background(), Request{})
		}()
		Eventually(func() int {
			engine.mu.Lock()
			defer engine.mu.Unlock()
			return engine.inFlight
		}).Should(Equal(1))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := limited.Recognize(ctx, Request{})
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(err).To(MatchError(ContainSubstring("waiting for OCR slot")))

		close(engine.block)
		Eventually(done).Should(BeClosed())
	})

	It("gives up waiting for a token when the context is cancelled", func() {
		throttled := Throttle(engine, 0.001, 1)
		_, err := throttled.Recognize(context.Background(), Request{})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = throttled.Recognize(ctx, Request{})
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("Vision helpers", func() {
	symbol := func(text string, brk visionpb.TextAnnotation_DetectedBreak_BreakType) *visionpb.Symbol {
		s := &visionpb.Symbol{Text: text}
		if brk != visionpb.TextAnnotation_DetectedBreak_UNKNOWN {
			s.Property = &visionpb.TextAnnotation_TextProperty{
				DetectedBreak: &visionpb.TextAnnotation_DetectedBreak{Type: brk},
			}
		}
		return s
	}
	box := func(x0, y0, x1, y1 int32) *visionpb.BoundingPoly {
		return &visionpb.BoundingPoly{Vertices: []*visionpb.Vertex{
			{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
		}}
	}

	It("numbers lines at detected line breaks", func() {
		annotation := &visionpb.TextAnnotation{
			Pages: []*visionpb.Page{{
				Blocks: []*visionpb.Block{{
					Paragraphs: []*visionpb.Paragraph{{
						Words: []*visionpb.Word{
							{
								Confidence:  0.9,
								BoundingBox: box(10, 10, 40, 20),
								Symbols: []*visionpb.Symbol{
									symbol("T", visionpb.TextAnnotation_DetectedBreak_UNKNOWN),
									symbol("O", visionpb.TextAnnotation_DetectedBreak_UNKNOWN),
									symbol("P", visionpb.TextAnnotation_DetectedBreak_LINE_BREAK),
								},
							},
							{
								Confidence: 0.5,
								Symbols: []*visionpb.Symbol{
									symbol("4", visionpb.TextAnnotation_DetectedBreak_UNKNOWN),
									symbol("2", visionpb.TextAnnotation_DetectedBreak_UNKNOWN),
								},
							},
						},
					}},
				}},
			}},
		}

		words := visionWords(annotation)
		Expect(words).To(HaveLen(2))
		Expect(words[0].Text).To(Equal("TOP"))
		Expect(words[0].Line).To(Equal(0))
		Expect(words[0].Confidence).To(BeNumerically("~", 90, 1e-3))
		Expect(words[0].Bounds).To(Equal(image.Rect(10, 10, 40, 20)))
		Expect(words[1].Text).To(Equal("42"))
		Expect(words[1].Line).To(Equal(1))
		Expect(words[1].Bounds).To(Equal(image.Rectangle{}))
	})

	It("bounds rotated polygons", func() {
		poly := &visionpb.BoundingPoly{Vertices: []*visionpb.Vertex{
			{X: 30, Y: 5}, {X: 50, Y: 25}, {X: 30, Y: 45}, {X: 10, Y: 25},
		}}
		Expect(polyBounds(poly)).To(Equal(image.Rect(10, 5, 50, 45)))
	})

	It("maps language codes", func() {
		Expect(visionLanguage("eng")).To(Equal("en"))
		Expect(visionLanguage("hin")).To(Equal("hi"))
		Expect(visionLanguage("ta")).To(Equal("ta"))
		Expect(visionLanguage("")).To(BeEmpty())
	})

	DescribeTable("fatalAPIError",
		func(err error, fatal bool) {
			Expect(fatalAPIError(err)).To(Equal(fatal))
		},
		Entry("unauthenticated", status.Error(codes.Unauthenticated, "bad key"), true),
		Entry("permission denied", status.Error(codes.PermissionDenied, "billing disabled"), true),
		Entry("unavailable", status.Error(codes.Unavailable, "try again"), false),
		Entry("REST forbidden", &googleapi.Error{Code: 403}, true),
		Entry("REST rate limited", &googleapi.Error{Code: 429}, false),
		Entry("plain error", errors.New("connection reset"), false),
	)
})

var _ = Describe("Tesseract", func() {
	It("rejects legacy engine modes before touching the library", func() {
		_, err := NewTesseract("").Recognize(context.Background(), Request{EngineMode: EngineModeLegacy})
		Expect(err).To(MatchError(ContainSubstring("needs legacy traineddata")))
	})

	It("honors a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewTesseract("").Recognize(ctx, Request{EngineMode: EngineModeNeural})
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("NewEngine", func() {
	It("defaults to tesseract", func() {
		engine, err := NewEngine(context.Background(), EngineConfig{})
		Expect(err).NotTo(HaveOccurred())
		Expect(engine.Name()).To(Equal("tesseract"))
	})

	It("wraps the engine in its limiters", func() {
		engine, err := NewEngine(context.Background(), EngineConfig{
			Kind:              "ollama",
			RequestsPerSecond: 2,
			MaxConcurrent:     1,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(engine).To(BeAssignableToTypeOf(&limited{}))
		Expect(engine.Name()).To(Equal("ollama"))
	})

	It("rejects unknown engines", func() {
		_, err := NewEngine(context.Background(), EngineConfig{Kind: "abbyy"})
		Expect(err).To(MatchError(ContainSubstring(`unknown engine "abbyy"`)))
	})

	It("reports a missing Gemini key as unavailable", func() {
		_, err := NewEngine(context.Background(), EngineConfig{Kind: "gemini"})
		Expect(err).To(MatchError(ErrEngineUnavailable))
	})
})
