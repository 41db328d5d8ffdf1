package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-copilot/internal/compliance"
	"github.com/zombor/receipt-copilot/internal/parsing"
	"github.com/zombor/receipt-copilot/internal/preprocess"
	"github.com/zombor/receipt-copilot/internal/scanning"
)

// ErrInvalidUpdate is returned when a correction cannot be applied.
var ErrInvalidUpdate = errors.New("invalid update")

// Extractor turns an input image into the best transcription found.
type Extractor interface {
	Extract(ctx context.Context, in preprocess.Input) (scanning.Result, error)
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Options configures the analysis steps of a Service. Nil fields use the
// defaults.
type Options struct {
	Parser    *parsing.Parser
	Evaluator *compliance.Evaluator
	// BatchConcurrency is the number of batch items analyzed at once.
	BatchConcurrency int
}

func (o Options) withDefaults() Options {
	if o.Parser == nil {
		o.Parser = parsing.New(parsing.DefaultOptions())
	}
	if o.Evaluator == nil {
		o.Evaluator = compliance.New(o.Parser.Options().DateOrder)
	}
	if o.BatchConcurrency < 1 {
		o.BatchConcurrency = 1
	}
	return o
}

// Service handles receipt operations
type Service struct {
	db          DB
	extractor   Extractor
	storage     Storage
	parser      *parsing.Parser
	evaluator   *compliance.Evaluator
	batchLimit  int
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with a UUID generator and the wall clock
func NewService(db DB, extractor Extractor, storage Storage, opts Options) *Service {
	return NewServiceWithDeps(db, extractor, storage, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, extractor Extractor, storage Storage, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	opts = opts.withDefaults()
	return &Service{
		db:          db,
		extractor:   extractor,
		storage:     storage,
		parser:      opts.Parser,
		evaluator:   opts.Evaluator,
		batchLimit:  opts.BatchConcurrency,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	ext = unsafeFilenameChars.ReplaceAllString(ext[min(1, len(ext)):], "")
	if ext != "" {
		ext = "." + ext
	}

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(filenameSpaces.ReplaceAllString(base, " "))

	// phone cameras produce very long names
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// Analyze extracts, parses and checks one input without persisting
// anything. Unreadable input is returned as a *preprocess.InputError.
func (s *Service) Analyze(ctx context.Context, in preprocess.Input, hints Hints) (*Analysis, error) {
	result, err := s.extractor.Extract(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}

	parsed := s.parser.Parse(result.Text)
	fields := applyHints(parsed, hints)

	return &Analysis{
		Extraction: result,
		Parsed:     parsed,
		Fields:     fields,
		Issues:     s.evaluator.Evaluate(complianceFields(fields)),
	}, nil
}

// applyHints fills the fields the parser left nil.
func applyHints(parsed parsing.Fields, hints Hints) parsing.Fields {
	fill := func(field *string, hint string) *string {
		hint = strings.TrimSpace(hint)
		if field != nil || hint == "" {
			return field
		}
		return &hint
	}
	return parsing.Fields{
		Vendor:   fill(parsed.Vendor, hints.Vendor),
		Date:     fill(parsed.Date, hints.Date),
		Total:    fill(parsed.Total, hints.Amount),
		Tax:      fill(parsed.Tax, hints.TaxAmount),
		Currency: fill(parsed.Currency, strings.ToUpper(hints.Currency)),
		GSTIN:    fill(parsed.GSTIN, strings.ToUpper(hints.GSTIN)),
	}
}

func complianceFields(f parsing.Fields) compliance.Fields {
	var out compliance.Fields
	if f.GSTIN != nil {
		out.GSTIN = *f.GSTIN
	}
	if f.Date != nil {
		out.Date = *f.Date
	}
	if f.Total != nil {
		if amount, err := parsing.ParseAmount(*f.Total); err == nil {
			out.Amount = amount
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ProcessReceipt validates and stores an upload, analyzes it and saves the
// resulting receipt.
func (s *Service) ProcessReceipt(ctx context.Context, filename string, data []byte, contentType string, hints Hints) (*Receipt, error) {
	if err := s.storage.Validate(len(data), contentType); err != nil {
		return nil, fmt.Errorf("validating upload: %w", err)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	analysis, err := s.Analyze(ctx, preprocess.Bytes{Data: data, ContentType: contentType, Name: filename}, hints)
	if err != nil {
		slog.Error("Failed to analyze receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.removeFile(savedPath)
		return nil, fmt.Errorf("analyzing receipt: %w", err)
	}

	receipt := &Receipt{
		ID:          id,
		Category:    DefaultCategory,
		Status:      StatusNeedsReview,
		Filename:    savedPath,
		ContentType: contentType,
		Extracted: Extracted{
			FileSize:   len(data),
			OCRText:    analysis.Extraction.Text,
			Variant:    analysis.Extraction.Variant,
			Mode:       analysis.Extraction.Mode.String(),
			Confidence: analysis.Extraction.Confidence,
			Parsed:     analysis.Parsed,
		},
		Issues:    analysis.Issues,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c := strings.TrimSpace(hints.Category); c != "" {
		receipt.Category = c
	}
	s.setFields(receipt, analysis.Fields)

	if err := s.db.SaveReceipt(receipt); err != nil {
		s.removeFile(savedPath)
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Processed receipt",
		"id", id,
		"variant", receipt.Extracted.Variant,
		"mode", receipt.Extracted.Mode,
		"confidence", receipt.Extracted.Confidence,
		"issues", len(receipt.Issues),
	)
	return receipt, nil
}

// setFields copies resolved fields onto the record. Amounts that do not
// parse are left zero.
func (s *Service) setFields(r *Receipt, f parsing.Fields) {
	r.Vendor = deref(f.Vendor)
	r.Date = deref(f.Date)
	r.DateISO, _ = parsing.NormalizeDate(r.Date, s.parser.Options().DateOrder)
	r.Amount = decimal.Zero
	if amount, err := parsing.ParseAmount(deref(f.Total)); err == nil {
		r.Amount = amount
	}
	r.Currency = DefaultCurrency
	if f.Currency != nil {
		r.Currency = *f.Currency
	}
	r.GSTIN = deref(f.GSTIN)
	r.TaxAmount = decimal.NullDecimal{}
	if tax, err := parsing.ParseAmount(deref(f.Tax)); err == nil {
		r.TaxAmount = decimal.NewNullDecimal(tax)
	}
}

func (s *Service) removeFile(path string) {
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}

// UpdateReceipt applies user corrections and re-runs the compliance rules
// on the corrected values.
func (s *Service) UpdateReceipt(id string, u Update) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	if u.Vendor != nil {
		receipt.Vendor = strings.TrimSpace(*u.Vendor)
	}
	if u.Date != nil {
		receipt.Date = strings.TrimSpace(*u.Date)
		receipt.DateISO, _ = parsing.NormalizeDate(receipt.Date, s.parser.Options().DateOrder)
	}
	if u.Amount != nil {
		amount, err := parsing.ParseAmount(*u.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidUpdate, *u.Amount, err)
		}
		receipt.Amount = amount
	}
	if u.Currency != nil {
		receipt.Currency = strings.ToUpper(strings.TrimSpace(*u.Currency))
	}
	if u.Category != nil {
		receipt.Category = strings.TrimSpace(*u.Category)
	}
	if u.GSTIN != nil {
		receipt.GSTIN = strings.ToUpper(strings.TrimSpace(*u.GSTIN))
	}
	if u.TaxAmount != nil {
		if strings.TrimSpace(*u.TaxAmount) == "" {
			receipt.TaxAmount = decimal.NullDecimal{}
		} else {
			tax, err := parsing.ParseAmount(*u.TaxAmount)
			if err != nil {
				return nil, fmt.Errorf("%w: tax amount %q: %v", ErrInvalidUpdate, *u.TaxAmount, err)
			}
			receipt.TaxAmount = decimal.NewNullDecimal(tax)
		}
	}
	if u.Status != nil {
		if !u.Status.valid() {
			return nil, fmt.Errorf("%w: status %q", ErrInvalidUpdate, *u.Status)
		}
		receipt.Status = *u.Status
	}

	receipt.Issues = s.evaluator.Evaluate(compliance.Fields{
		GSTIN:  receipt.GSTIN,
		Amount: receipt.Amount,
		Date:   receipt.Date,
	})
	receipt.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}
	return receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListReceipts returns the receipts matching the filter, newest first.
func (s *Service) ListReceipts(filter ListFilter) (*Page, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	page := max(filter.Page, 1)
	size := filter.Size
	if size < 1 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	matched := make([]*Receipt, 0, len(receipts))
	for _, r := range receipts {
		if filter.GSTIN != "" && r.GSTIN != filter.GSTIN {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(r.Vendor), query) &&
			!strings.Contains(strings.ToLower(r.Category), query) {
			continue
		}
		matched = append(matched, r)
	}
	slices.SortStableFunc(matched, func(a, b *Receipt) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	start := min((page-1)*size, len(matched))
	end := min(start+size, len(matched))
	return &Page{Items: matched[start:end], Total: len(matched), Page: page, Size: size}, nil
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(id string) error {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	// a missing file should not keep the record around
	s.removeFile(receipt.Filename)

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the file data for a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}
