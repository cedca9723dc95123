package resolver

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveSourceID expands a partial source id to a full "owner/name" id from
// the known ids. The input may be a full id, a bare name, or a prefix of
// either. An exact match always wins.
func ResolveSourceID(known []string, input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("empty source id")
	}

	var matches []string
	for _, id := range known {
		if id == input {
			return id, nil
		}
		_, name, _ := strings.Cut(id, "/")
		if name == input {
			matches = append(matches, id)
			continue
		}
		if strings.HasPrefix(id, input) || (!strings.Contains(input, "/") && strings.HasPrefix(name, input)) {
			matches = append(matches, id)
		}
	}

	// A bare name that matches exactly beats prefix matches on other sources
	var exactNames []string
	for _, id := range matches {
		if _, name, _ := strings.Cut(id, "/"); name == input {
			exactNames = append(exactNames, id)
		}
	}
	if len(exactNames) == 1 {
		return exactNames[0], nil
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Input: input}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{Input: input, Matches: matches}
	}
}

// NotFoundError indicates no source matched the input.
type NotFoundError struct {
	Input string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no sources found matching '%s'", e.Input)
}

// AmbiguousError indicates multiple sources matched the input.
type AmbiguousError struct {
	Input   string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous source '%s' matches %d sources", e.Input, len(e.Matches))
}

// FormatAmbiguousError lists the matching sources (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("'%s' matches %d sources:\n", err.Input, len(err.Matches))

	displayCount := min(len(err.Matches), 10)
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}

	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse the full owner/name id."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
