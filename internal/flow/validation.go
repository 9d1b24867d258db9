package flow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ProblemKind classifies a validation problem.
type ProblemKind string

const (
	ProblemMandatory   ProblemKind = "mandatory"
	ProblemDoubleEntry ProblemKind = "double_entry"
	ProblemOutOfRange  ProblemKind = "out_of_range"
	ProblemNotNumeric  ProblemKind = "not_numeric"
	ProblemTooLong     ProblemKind = "too_long"
)

// QuestionError is the validation state of one (question, iteration).
// It is a value reported to the caller, never returned as an error.
type QuestionError struct {
	QuestionID string
	Iteration  int
	Kind       ProblemKind
	Message    string
}

func (e QuestionError) String() string {
	return fmt.Sprintf("%s: %s", ResponseKey{QuestionID: e.QuestionID, Iteration: e.Iteration}, e.Message)
}

// CheckValue validates a single captured value against q's rule.
// confirmation is the second entry for double-entry questions.
func CheckValue(q *Question, iteration int, value, confirmation string) *QuestionError {
	problem := func(kind ProblemKind, format string, args ...any) *QuestionError {
		return &QuestionError{QuestionID: q.ID, Iteration: iteration, Kind: kind, Message: fmt.Sprintf(format, args...)}
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if q.DoubleEntry && strings.TrimSpace(confirmation) != value {
		return problem(ProblemDoubleEntry, "entries do not match")
	}

	rule := q.Validation
	if rule == nil {
		return nil
	}
	if rule.MaxLength > 0 && utf8.RuneCountInString(value) > rule.MaxLength {
		return problem(ProblemTooLong, "longer than %d characters", rule.MaxLength)
	}
	if rule.Type != "numeric" {
		return nil
	}

	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return problem(ProblemNotNumeric, "%q is not a number", value)
	}
	if !rule.AllowDecimal && strings.ContainsAny(value, ".,eE") {
		return problem(ProblemNotNumeric, "decimals are not allowed")
	}
	if !rule.AllowSign && n < 0 {
		return problem(ProblemOutOfRange, "negative values are not allowed")
	}
	if rule.Min != nil && n < *rule.Min {
		return problem(ProblemOutOfRange, "must be at least %s", formatNumber(*rule.Min))
	}
	if rule.Max != nil && n > *rule.Max {
		return problem(ProblemOutOfRange, "must be at most %s", formatNumber(*rule.Max))
	}
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
