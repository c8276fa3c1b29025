package review

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// NormalizeLanguage canonicalises a BCP 47 tag ("EN-us" -> "en-US") so the
// same language always maps to the same translation.
func NormalizeLanguage(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty tag", ErrInvalidLanguage)
	}
	tag, err := language.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidLanguage, s, err)
	}
	if tag == language.Und {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, s)
	}
	return tag.String(), nil
}
