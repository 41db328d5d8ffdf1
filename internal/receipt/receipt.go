package receipt

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-copilot/internal/compliance"
	"github.com/zombor/receipt-copilot/internal/parsing"
	"github.com/zombor/receipt-copilot/internal/scanning"
)

// Status is the review state of a receipt.
type Status string

const (
	StatusNeedsReview Status = "needs_review"
	StatusVerified    Status = "verified"
	StatusRejected    Status = "rejected"
)

func (s Status) valid() bool {
	switch s {
	case StatusNeedsReview, StatusVerified, StatusRejected:
		return true
	}
	return false
}

const (
	DefaultCurrency = "INR"
	DefaultCategory = "uncategorized"
)

// Receipt represents a processed receipt with its extracted data
type Receipt struct {
	ID          string              `json:"id"`
	Vendor      string              `json:"vendor"`
	Date        string              `json:"date"`     // as printed on the receipt
	DateISO     string              `json:"date_iso"` // YYYY-MM-DD, empty when Date is not a calendar date
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	Category    string              `json:"category"`
	GSTIN       string              `json:"gstin"`
	TaxAmount   decimal.NullDecimal `json:"tax_amount"`
	Status      Status              `json:"status"`
	Filename    string              `json:"filename"`
	ContentType string              `json:"content_type"`
	Extracted   Extracted           `json:"extracted"`
	Issues      []compliance.Issue  `json:"issues"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Extracted keeps what OCR and parsing produced, before any correction.
type Extracted struct {
	FileSize   int            `json:"file_size"`
	OCRText    string         `json:"ocr_text"`
	Variant    string         `json:"variant"`
	Mode       string         `json:"mode"`
	Confidence float64        `json:"confidence"`
	Parsed     parsing.Fields `json:"parsed"`
}

// Hints are caller-supplied values. They fill fields the parser could not
// find and never replace parsed ones.
type Hints struct {
	Vendor    string `json:"vendor"`
	Date      string `json:"date"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Category  string `json:"category"`
	GSTIN     string `json:"gstin"`
	TaxAmount string `json:"tax_amount"`
}

// Update holds user corrections. Nil fields are left as they are.
type Update struct {
	Vendor    *string `json:"vendor"`
	Date      *string `json:"date"`
	Amount    *string `json:"amount"`
	Currency  *string `json:"currency"`
	Category  *string `json:"category"`
	GSTIN     *string `json:"gstin"`
	TaxAmount *string `json:"tax_amount"`
	Status    *Status `json:"status"`
}

// Analysis is the outcome of running one image through extraction,
// parsing and compliance.
type Analysis struct {
	Extraction scanning.Result `json:"extraction"`
	// Parsed is the parser output; Fields is Parsed with hints applied.
	Parsed parsing.Fields     `json:"parsed"`
	Fields parsing.Fields     `json:"fields"`
	Issues []compliance.Issue `json:"issues"`
}

// ListFilter narrows ListReceipts. Zero values match everything.
type ListFilter struct {
	// Query matches vendor or category, case-insensitively.
	Query  string
	GSTIN  string
	Status Status
	Page   int
	Size   int
}

// Page is one page of receipts, newest first.
type Page struct {
	Items []*Receipt `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
}
