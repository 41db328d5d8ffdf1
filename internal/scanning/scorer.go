package scanning

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// receiptKeywords are tokens that show up on almost every till receipt.
var receiptKeywords = []string{
	"total", "amount", "tax", "date", "receipt", "subtotal", "qty", "price",
	"cash", "card", "visa", "mastercard", "amex", "rupay",
	"inr", "usd", "rs.", "₹", "$",
}

const (
	keywordWeight   = 0.1
	keywordBonusCap = 0.3
	lengthBonusCap  = 0.2
)

// Score rates how much a transcription looks like real receipt text, on
// [0,1]. It does not depend on anything the engine reports.
func Score(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total < 3 {
		return 0
	}

	alnum := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	ratio := float64(alnum) / float64(total)

	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range receiptKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	keywordBonus := min(keywordWeight*float64(hits), keywordBonusCap)
	lengthBonus := min(float64(total)/100, lengthBonusCap)

	return min(ratio+keywordBonus+lengthBonus, 1.0)
}

// normalize trims trailing whitespace from each line and blank lines from
// both ends.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
