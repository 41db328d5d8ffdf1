package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// pdfRenderDPI is the resolution used to rasterize the first page of a PDF.
const pdfRenderDPI = 300

// Input contract violations. These are never turned into an empty extraction.
var (
	ErrEmptyInput       = errors.New("input is empty")
	ErrMissingFile      = errors.New("file does not exist")
	ErrUnsupportedInput = errors.New("unsupported input encoding")
	ErrUnreadableImage  = errors.New("image is unreadable or corrupt")
)

// InputError reports an input that cannot be converted into an image.
type InputError struct {
	// Op is the conversion step that failed (e.g. "load path", "decode pdf").
	Op string

	// Source identifies the input, usually a path or declared content type.
	Source string

	// Err wraps one of the package sentinels.
	Err error
}

func (e *InputError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("preprocess: %s %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("preprocess: %s: %v", e.Op, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func inputError(op, source string, kind error, cause error) *InputError {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &InputError{Op: op, Source: source, Err: err}
}

// Input is one of Path, Bytes or Decoded.
type Input interface {
	describe() string
}

// Path is a file on local disk.
type Path string

// Bytes is an encoded image or PDF held in memory.
type Bytes struct {
	Data        []byte
	ContentType string
	Name        string
}

// Decoded wraps an image that is already decoded.
type Decoded struct {
	Image image.Image
}

func (p Path) describe() string    { return string(p) }
func (b Bytes) describe() string   { return firstNonEmpty(b.Name, b.ContentType) }
func (d Decoded) describe() string { return "decoded image" }

// Load converts any Input variant into the canonical NRGBA form.
func Load(in Input) (*image.NRGBA, error) {
	switch v := in.(type) {
	case nil:
		return nil, inputError("load", "", ErrEmptyInput, nil)
	case Path:
		return loadPath(string(v))
	case Bytes:
		return decodeBytes(v.Data, v.ContentType, v.describe())
	case *Bytes:
		if v == nil {
			return nil, inputError("load", "", ErrEmptyInput, nil)
		}
		return decodeBytes(v.Data, v.ContentType, v.describe())
	case Decoded:
		return canonical(v.Image, "decoded image")
	default:
		return nil, inputError("load", fmt.Sprintf("%T", in), ErrUnsupportedInput, nil)
	}
}

func loadPath(path string) (*image.NRGBA, error) {
	if strings.TrimSpace(path) == "" {
		return nil, inputError("load path", "", ErrEmptyInput, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, inputError("load path", path, ErrMissingFile, nil)
		}
		return nil, inputError("load path", path, ErrUnreadableImage, err)
	}
	return decodeBytes(data, ContentTypeFromName(path), path)
}

func decodeBytes(data []byte, contentType, source string) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, inputError("decode", source, ErrEmptyInput, nil)
	}
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	var (
		img image.Image
		err error
	)
	switch {
	case isPDF(data) || mimeType == "application/pdf":
		img, err = renderPDF(data)
		if err != nil {
			return nil, inputError("decode pdf", source, ErrUnreadableImage, err)
		}
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		// Go's standard image package doesn't support HEIC
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, inputError("decode heic", source, ErrUnreadableImage, err)
		}
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if errors.Is(err, image.ErrFormat) {
			return nil, inputError("decode", source, ErrUnsupportedInput, err)
		}
		if err != nil {
			return nil, inputError("decode", source, ErrUnreadableImage, err)
		}
	}
	return canonical(img, source)
}

func canonical(img image.Image, source string) (*image.NRGBA, error) {
	if img == nil {
		return nil, inputError("canonicalize", source, ErrEmptyInput, nil)
	}
	if img.Bounds().Empty() {
		return nil, inputError("canonicalize", source, ErrUnreadableImage, errors.New("zero-sized image"))
	}
	return imaging.Clone(img), nil
}

// renderPDF rasterizes the first page; receipts are almost always one page.
func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, errors.New("PDF has no pages")
	}
	img, err := doc.ImageDPI(0, pdfRenderDPI)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func isPDF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "%PDF"
}

// isHEICFormat checks the ftyp box brand for HEIC/HEIF files
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// ContentTypeFromName guesses a MIME type from a file extension.
func ContentTypeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
