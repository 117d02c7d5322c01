package reminder

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextRunes    = 500
	MaxIntervalDays = 365
)

var reTimeOfDay = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

// ParseTimeOfDay parses a 24-hour "HH:MM" (single-digit hour allowed).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	m := reTimeOfDay.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, &ValidationError{Field: "time", Reason: "use 24-hour HH:MM, e.g. 08:30"}
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

// NormalizeText trims s and checks the 1..500 rune bound.
func NormalizeText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(s) > MaxTextRunes {
		return "", &ValidationError{Field: "text", Reason: "must be at most 500 characters"}
	}
	return s, nil
}

func ValidateInterval(days int) error {
	if days < 0 {
		return &ValidationError{Field: "interval", Reason: "must be >= 0"}
	}
	if days > MaxIntervalDays {
		return &ValidationError{Field: "interval", Reason: "must be <= 365"}
	}
	return nil
}

// Draft is an unvalidated reminder definition from a command handler.
type Draft struct {
	OwnerID      int64
	ChatID       int64
	Text         string
	TimeOfDay    string
	IntervalDays int
}

// Validate returns the normalized text and parsed time of day.
func (d Draft) Validate() (string, TimeOfDay, error) {
	if d.OwnerID == 0 {
		return "", TimeOfDay{}, &ValidationError{Field: "owner", Reason: "required"}
	}
	text, err := NormalizeText(d.Text)
	if err != nil {
		return "", TimeOfDay{}, err
	}
	tod, err := ParseTimeOfDay(d.TimeOfDay)
	if err != nil {
		return "", TimeOfDay{}, err
	}
	if err := ValidateInterval(d.IntervalDays); err != nil {
		return "", TimeOfDay{}, err
	}
	return text, tod, nil
}
