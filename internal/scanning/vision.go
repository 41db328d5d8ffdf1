package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Vision recognizes text with Google Cloud Vision and reports per-word
// confidence.
type Vision struct {
	client *vision.ImageAnnotatorClient
}

// NewVision creates a Cloud Vision engine. With an empty credentials file
// Application Default Credentials are used.
func NewVision(ctx context.Context, credentialsFile string) (*Vision, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating vision client: %v", ErrEngineUnavailable, err)
	}
	return &Vision{client: client}, nil
}

func (v *Vision) Name() string { return "vision" }

// Recognize maps the block mode to document text detection and the other
// modes to sparse text detection. Engine mode does not apply.
func (v *Vision) Recognize(ctx context.Context, req Request) (Recognition, error) {
	feature := visionpb.Feature_TEXT_DETECTION
	if req.SegMode == SegModeBlock {
		feature = visionpb.Feature_DOCUMENT_TEXT_DETECTION
	}

	var hints []string
	for _, lang := range strings.Split(req.Language, "+") {
		if code := visionLanguage(lang); code != "" {
			hints = append(hints, code)
		}
	}

	resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image:        &visionpb.Image{Content: req.Image},
				Features:     []*visionpb.Feature{{Type: feature}},
				ImageContext: &visionpb.ImageContext{LanguageHints: hints},
			},
		},
	})
	if err != nil {
		if fatalAPIError(err) {
			return Recognition{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return Recognition{}, fmt.Errorf("vision API call failed: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return Recognition{}, errors.New("no response from vision API")
	}

	r := resp.GetResponses()[0]
	if r.GetError() != nil {
		return Recognition{}, fmt.Errorf("vision API error: %s", r.GetError().GetMessage())
	}

	annotation := r.GetFullTextAnnotation()
	if annotation == nil {
		return Recognition{}, nil
	}
	return Recognition{Text: annotation.GetText(), Words: visionWords(annotation)}, nil
}

func visionWords(annotation *visionpb.TextAnnotation) []Word {
	var (
		words []Word
		line  int
	)
	for _, page := range annotation.GetPages() {
		for _, block := range page.GetBlocks() {
			for _, paragraph := range block.GetParagraphs() {
				for _, w := range paragraph.GetWords() {
					var text strings.Builder
					endsLine := false
					for _, symbol := range w.GetSymbols() {
						text.WriteString(symbol.GetText())
						switch symbol.GetProperty().GetDetectedBreak().GetType() {
						case visionpb.TextAnnotation_DetectedBreak_LINE_BREAK,
							visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE:
							endsLine = true
						}
					}
					words = append(words, Word{
						Text:       text.String(),
						Confidence: float64(w.GetConfidence()) * 100,
						Bounds:     polyBounds(w.GetBoundingBox()),
						Line:       line,
					})
					if endsLine {
						line++
					}
				}
			}
		}
	}
	return words
}

func polyBounds(poly *visionpb.BoundingPoly) image.Rectangle {
	vertices := poly.GetVertices()
	if len(vertices) == 0 {
		return image.Rectangle{}
	}
	r := image.Rect(int(vertices[0].GetX()), int(vertices[0].GetY()), int(vertices[0].GetX()), int(vertices[0].GetY()))
	for _, vtx := range vertices[1:] {
		x, y := int(vtx.GetX()), int(vtx.GetY())
		r.Min.X, r.Min.Y = min(r.Min.X, x), min(r.Min.Y, y)
		r.Max.X, r.Max.Y = max(r.Max.X, x), max(r.Max.Y, y)
	}
	return r
}

// visionLanguage maps Tesseract language codes to BCP-47 hints.
func visionLanguage(tess string) string {
	switch tess {
	case "eng":
		return "en"
	case "hin":
		return "hi"
	case "deu":
		return "de"
	case "fra":
		return "fr"
	case "spa":
		return "es"
	case "":
		return ""
	default:
		return tess
	}
}

// fatalAPIError reports credential and permission failures, which no
// retry with another image can fix.
func fatalAPIError(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden
	}
	return false
}

// Close closes the underlying Vision client.
func (v *Vision) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
