// Package validate provides input validation for question text, issue tags
// and outbound service URLs.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Length limits, counted in characters.
const (
	MaxQuestionLength   = 2000
	MaxEditReasonLength = 500
	MaxIssueTagLength   = 40
)

var issueTagPattern = regexp.MustCompile(`^[\p{Ll}\p{N}][\p{Ll}\p{N} _\-]*$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
	AllowNewlines  bool           // Whether \n and \t pass the control character check
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	// Get actual character count (not byte count)
	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	for _, r := range s {
		if !unicode.IsControl(r) {
			continue
		}
		if constraints.AllowNewlines && (r == '\n' || r == '\t' || r == '\r') {
			continue
		}
		return "", fmt.Errorf("%w: control character %U", ErrInvalidCharacters, r)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}
	return s, nil
}

// QuestionText validates submitted or edited question text and returns it
// trimmed.
func QuestionText(text string) (string, error) {
	return String(text, StringConstraints{
		MinLength:     1,
		MaxLength:     MaxQuestionLength,
		TrimSpace:     true,
		AllowNewlines: true,
	})
}

// EditReason validates the optional reason attached to an edit.
func EditReason(reason string) (string, error) {
	return String(reason, StringConstraints{
		MaxLength:  MaxEditReasonLength,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}

// IssueTag validates one issue tag after trimming and lowercasing it.
func IssueTag(tag string) (string, error) {
	return String(strings.ToLower(tag), StringConstraints{
		MinLength:      1,
		MaxLength:      MaxIssueTagLength,
		AllowedPattern: issueTagPattern,
		TrimSpace:      true,
	})
}
