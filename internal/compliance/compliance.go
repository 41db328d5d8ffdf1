package compliance

import (
	"regexp"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/zombor/receipt-copilot/internal/parsing"
)

// Level is the severity of an Issue.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Issue codes of the default rules.
const (
	CodeGSTMissing         = "GST_MISSING"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeGSTInvalid         = "GST_INVALID"
	CodeDateLocaleMismatch = "DATE_LOCALE_MISMATCH"
)

// Issue is one finding about a receipt.
type Issue struct {
	Level   Level          `json:"level"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// Fields is the receipt data the rules look at. An empty GSTIN or Date means
// it was not found; a missing amount is zero.
type Fields struct {
	GSTIN  string
	Amount decimal.Decimal
	Date   string
}

// Rule inspects fields and returns zero or more issues. Check must not keep
// or share the issues it returns.
type Rule struct {
	Name  string
	Check func(Fields) []Issue
}

// Evaluator runs an ordered, appendable list of rules.
type Evaluator struct {
	mu    sync.RWMutex
	rules []Rule
}

// New creates an Evaluator with the default rules. order is the date order
// the parser was configured with.
func New(order parsing.DateOrder) *Evaluator {
	return &Evaluator{rules: DefaultRules(order)}
}

// NewEmpty creates an Evaluator with no rules.
func NewEmpty() *Evaluator {
	return &Evaluator{}
}

// Register appends a rule. It runs after every rule registered before it.
func (e *Evaluator) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// Rules returns the rule names in evaluation order.
func (e *Evaluator) Rules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate runs every rule in order and concatenates their issues. The
// result is never nil.
func (e *Evaluator) Evaluate(f Fields) []Issue {
	e.mu.RLock()
	rules := append([]Rule(nil), e.rules...)
	e.mu.RUnlock()

	issues := []Issue{}
	for _, r := range rules {
		issues = append(issues, r.Check(f)...)
	}
	return issues
}

// DefaultRules returns GST_MISSING, INVALID_AMOUNT, GST_INVALID and
// DATE_LOCALE_MISMATCH in that order.
func DefaultRules(order parsing.DateOrder) []Rule {
	return []Rule{
		{Name: CodeGSTMissing, Check: gstMissing},
		{Name: CodeInvalidAmount, Check: invalidAmount},
		{Name: CodeGSTInvalid, Check: gstInvalid},
		{Name: CodeDateLocaleMismatch, Check: dateLocaleMismatch(order)},
	}
}

func gstMissing(f Fields) []Issue {
	if f.GSTIN != "" {
		return nil
	}
	return []Issue{{
		Level:   LevelWarning,
		Code:    CodeGSTMissing,
		Message: "GST number not detected on receipt",
		Data:    map[string]any{},
	}}
}

func invalidAmount(f Fields) []Issue {
	if f.Amount.IsPositive() {
		return nil
	}
	return []Issue{{
		Level:   LevelError,
		Code:    CodeInvalidAmount,
		Message: "Receipt amount must be greater than zero",
		Data:    map[string]any{"amount": f.Amount},
	}}
}

func gstInvalid(f Fields) []Issue {
	if f.GSTIN == "" || ValidGSTIN(f.GSTIN) {
		return nil
	}
	return []Issue{{
		Level:   LevelWarning,
		Code:    CodeGSTInvalid,
		Message: "GST number is not a valid 15-character GSTIN",
		Data:    map[string]any{"gstin": f.GSTIN},
	}}
}

func dateLocaleMismatch(order parsing.DateOrder) func(Fields) []Issue {
	other := parsing.MonthFirst
	if order == parsing.MonthFirst {
		other = parsing.DayFirst
	}
	return func(f Fields) []Issue {
		if f.Date == "" {
			return nil
		}
		if _, ok := parsing.NormalizeDate(f.Date, order); ok {
			return nil
		}
		if _, ok := parsing.NormalizeDate(f.Date, other); !ok {
			return nil
		}
		return []Issue{{
			Level:   LevelWarning,
			Code:    CodeDateLocaleMismatch,
			Message: "Receipt date only reads as a valid date in " + string(other) + " order",
			Data:    map[string]any{"date": f.Date, "order": string(order)},
		}}
	}
}

var gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)

// ValidGSTIN reports whether s is a well-formed GST identification number.
func ValidGSTIN(s string) bool {
	return gstinPattern.MatchString(s)
}
