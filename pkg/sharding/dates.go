package sharding

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Errors returned by date and name resolution.
var (
	// ErrInvalidDate is returned when an issue date cannot be parsed under
	// any of the accepted formats.
	ErrInvalidDate = errors.New("invalid issue date")

	// ErrMissingField is returned when the invoice key or document number
	// is empty.
	ErrMissingField = errors.New("missing required field")
)

// CanonicalDateLayout is the stored form for issue dates (DD/MM/YYYY).
const CanonicalDateLayout = "02/01/2006"

// dateLayouts are tried in order after separator normalization. The
// non-padded layouts also accept single-digit day/month variants.
var dateLayouts = []string{
	"2/1/2006", // DD/MM/YYYY, D/M/YYYY
	"2006/1/2", // YYYY-MM-DD, YYYY/MM/DD after normalization
	"20060102", // bare integer date
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizeDate parses an issue date in any of the accepted formats:
// DD/MM/YYYY, YYYY-MM-DD, DD-MM-YYYY, YYYY/MM/DD and their single-digit
// day/month variants, plus bare YYYYMMDD. Separators '.', '-', '_' and
// space are treated as '/'.
func NormalizeDate(s string) (time.Time, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrInvalidDate)
	}

	replacer := strings.NewReplacer(".", "/", "-", "/", "_", "/", " ", "/")
	cleaned = replacer.Replace(cleaned)

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// FormatDate renders a date in the canonical stored form DD/MM/YYYY.
func FormatDate(t time.Time) string {
	return t.Format(CanonicalDateLayout)
}

// DateKey returns the integer YYYYMMDD form used for fast range scans.
func DateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// MonthKey returns the integer YYYYMM form.
func MonthKey(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// NormalizeKey reduces an invoice key to its 44-digit canonical form,
// stripping separators and truncating trailing garbage. Keys shorter than
// 44 digits are returned as-is; validity is the remote system's problem.
func NormalizeKey(key string) string {
	digits := nonDigits.ReplaceAllString(strings.TrimSpace(key), "")
	if len(digits) > 44 {
		return digits[:44]
	}
	return digits
}

// FileName builds the self-describing document file name
// {documentNumber}_{YYYYMMDD}_{key}.xml. The key alone guarantees
// uniqueness; number and date make the name human-scannable.
func FileName(key string, issueDate time.Time, documentNumber string) (string, error) {
	number := strings.TrimSpace(documentNumber)
	normalized := NormalizeKey(key)
	if number == "" {
		return "", fmt.Errorf("%w: document number", ErrMissingField)
	}
	if normalized == "" {
		return "", fmt.Errorf("%w: invoice key", ErrMissingField)
	}
	return fmt.Sprintf("%s_%s_%s.xml", number, issueDate.Format("20060102"), normalized), nil
}
