package parsing

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Fields are the values recovered from receipt text. Each is nil when not
// found, independently of the others.
type Fields struct {
	Vendor   *string `json:"vendor"`
	Date     *string `json:"date"`
	Total    *string `json:"total"`
	Tax      *string `json:"tax"`
	Currency *string `json:"currency"`
	GSTIN    *string `json:"gstin"`
}

// Options holds the parser heuristics.
type Options struct {
	// MinTotal and MaxTotal bound plausible totals, inclusive.
	MinTotal decimal.Decimal
	MaxTotal decimal.Decimal
	// DateOrder decides how NormalizeDate reads D/M versus M/D dates.
	DateOrder DateOrder
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		MinTotal:  decimal.NewFromInt(1),
		MaxTotal:  decimal.NewFromInt(100000),
		DateOrder: DayFirst,
	}
}

// Parser recovers fields from noisy OCR text with ordered pattern cascades.
// It holds no mutable state.
type Parser struct {
	opts Options
}

// New creates a Parser
func New(opts Options) *Parser {
	if opts.DateOrder == "" {
		opts.DateOrder = DayFirst
	}
	return &Parser{opts: opts}
}

// Options returns the parser settings.
func (p *Parser) Options() Options {
	return p.opts
}

// Parse extracts every field. A failure inside one extractor is logged and
// leaves only that field nil.
func (p *Parser) Parse(text string) Fields {
	return Fields{
		Vendor:   guard("vendor", text, p.Vendor),
		Date:     guard("date", text, p.Date),
		Total:    guard("total", text, p.Total),
		Tax:      guard("tax", text, p.Tax),
		Currency: guard("currency", text, p.Currency),
		GSTIN:    guard("gstin", text, p.GSTIN),
	}
}

func guard(field, text string, extract func(string) *string) (out *string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Failed to extract field", "field", field, "text_length", len(text), "error", r)
			out = nil
		}
	}()
	return extract(text)
}

const amountLabels = `(?:total|grand total|amount due|amount|net amount|final amount)`

// totalPatterns run most specific first. Group 1 is the amount.
var totalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)` + amountLabels + `\s*[:\-]?\s*[₹$]?\s*([0-9]{1,3}(?:,[0-9]{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)` + amountLabels + `\s*[:\-]?\s*[₹$]?\s*([0-9]+(?:\.\d{2})?)`),
	regexp.MustCompile(`[₹$]\s*([0-9]{1,3}(?:,[0-9]{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`([0-9]{1,3}(?:,[0-9]{3})*(?:\.\d{2})?)\s*[₹$]`),
	regexp.MustCompile(`([0-9]+\.\d{2})`),
}

// Total returns the raw string of the first amount, in pattern order, that
// lies within the configured bounds.
func (p *Parser) Total(text string) *string {
	for _, re := range totalPatterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2], loc[3]
			// a pattern can match a piece of a longer number
			if insideNumber(text, start, end) {
				continue
			}
			raw := text[start:end]
			if p.inBounds(raw) {
				return &raw
			}
		}
	}
	return nil
}

func (p *Parser) inBounds(raw string) bool {
	value, err := ParseAmount(raw)
	if err != nil {
		return false
	}
	return value.GreaterThanOrEqual(p.opts.MinTotal) && value.LessThanOrEqual(p.opts.MaxTotal)
}

// ParseAmount converts a raw amount such as "1,500.00" to a decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(raw), ",", ""))
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{4})\b`),
	regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{2})\b`),
	regexp.MustCompile(`\b(\d{2}\s+[A-Za-z]{3}\s+\d{4})\b`),
	regexp.MustCompile(`\b(\d{4}[/-]\d{1,2}[/-]\d{1,2})\b`),
	regexp.MustCompile(`(?i)\b(?:date|dated)[:\s]*(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`),
}

const minDateLength = 6

// Date returns the first date-shaped string, in pattern order. Only the
// shape is checked; see NormalizeDate for calendar validation.
func (p *Parser) Date(text string) *string {
	for _, re := range datePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		date := m[len(m)-1]
		if len(date) >= minDateLength {
			return &date
		}
	}
	return nil
}

var (
	vendorJargon       = []string{"receipt", "bill", "invoice", "date", "time", "total", "amount"}
	businessIndicators = []string{"restaurant", "cafe", "coffee", "shop", "store", "market", "mart", "ltd", "inc", "pvt"}
	letterRun          = regexp.MustCompile(`[a-zA-Z]{3,}`)
)

const (
	vendorScanLines    = 5
	minVendorLength    = 3
	maxVendorLength    = 50
	minVendorAlphaRate = 0.5
)

// Vendor picks the merchant name from the receipt header.
func (p *Parser) Vendor(text string) *string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	for _, line := range lines[:min(vendorScanLines, len(lines))] {
		lower := strings.ToLower(line)
		if containsAny(lower, vendorJargon) {
			continue
		}
		length := utf8.RuneCountInString(line)
		if float64(lettersAndSpaces(line)) < float64(length)*minVendorAlphaRate {
			continue
		}
		if length < minVendorLength {
			continue
		}
		if containsAny(lower, businessIndicators) {
			return &line
		}
		if length <= maxVendorLength && letterRun.MatchString(line) {
			return &line
		}
	}

	for _, line := range lines {
		if utf8.RuneCountInString(line) >= minVendorLength && !allDigits(line) {
			return &line
		}
	}
	return nil
}

var (
	taxLabel    = regexp.MustCompile(`(?i)\b(?:tax|gst|vat|cgst|sgst|igst)\b`)
	taxAmount   = regexp.MustCompile(`[0-9]{1,3}(?:,[0-9]{3})+(?:\.\d{2})?|[0-9]+\.\d{2}`)
	gstinSearch = regexp.MustCompile(`\b[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]\b`)
)

// Tax returns the last amount on the first line carrying a tax label.
func (p *Parser) Tax(text string) *string {
	for _, line := range strings.Split(text, "\n") {
		if !taxLabel.MatchString(line) {
			continue
		}
		amounts := taxAmount.FindAllString(line, -1)
		if len(amounts) == 0 {
			continue
		}
		tax := amounts[len(amounts)-1]
		return &tax
	}
	return nil
}

var currencyMarkers = []struct {
	code string
	re   *regexp.Regexp
}{
	{"INR", regexp.MustCompile(`₹|(?i)\b(?:inr|rs)\b`)},
	{"USD", regexp.MustCompile(`\$|(?i)\busd\b`)},
	{"EUR", regexp.MustCompile(`€|(?i)\beur\b`)},
}

// Currency returns the ISO code of the first currency marker family found.
func (p *Parser) Currency(text string) *string {
	for _, m := range currencyMarkers {
		if m.re.MatchString(text) {
			code := m.code
			return &code
		}
	}
	return nil
}

// GSTIN returns the first well-formed GST identification number.
func (p *Parser) GSTIN(text string) *string {
	if m := gstinSearch.FindString(strings.ToUpper(text)); m != "" {
		return &m
	}
	return nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lettersAndSpaces(s string) int {
	n := 0
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// insideNumber reports whether text[start:end] continues into digits on
// either side, directly or across one separator.
func insideNumber(text string, start, end int) bool {
	if end < len(text) {
		next := text[end]
		if isDigit(next) {
			return true
		}
		if (next == ',' || next == '.') && end+1 < len(text) && isDigit(text[end+1]) {
			return true
		}
	}
	if start > 0 {
		prev := text[start-1]
		if isDigit(prev) {
			return true
		}
		if (prev == ',' || prev == '.') && start > 1 && isDigit(text[start-2]) {
			return true
		}
	}
	return false
}
