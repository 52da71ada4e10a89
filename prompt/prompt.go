// Package prompt validates and normalizes user prompts before they reach a
// gateway.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ineyio/imagegate"
)

const (
	MinLength = 1
	MaxLength = 1000

	maxRun = 10 // a character may repeat this many times after its first use
)

// DefaultBannedWords is the minimal list applied when the content filter is on.
var DefaultBannedWords = []string{"nsfw", "explicit", "nude", "naked", "sexual"}

// Options controls validation.
type Options struct {
	// ContentFilter enables banned words, repeat and capitals checks.
	ContentFilter bool
	// BannedWords overrides DefaultBannedWords when non-nil.
	BannedWords []string
}

// Validate returns nil for an acceptable prompt, or an error wrapping
// imagegate.ErrInvalidPrompt that says what is wrong.
func Validate(s string, opts Options) error {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	switch {
	case n == 0:
		return invalid("prompt cannot be empty")
	case n < MinLength:
		return invalid("prompt too short (min %d characters)", MinLength)
	case n > MaxLength:
		return invalid("prompt too long (max %d characters)", MaxLength)
	}

	if opts.ContentFilter {
		if err := checkContent(s, n, opts.BannedWords); err != nil {
			return err
		}
	}

	if hasProblematicChars(s, n) {
		return invalid("prompt contains potentially problematic characters")
	}
	return nil
}

func checkContent(s string, n int, banned []string) error {
	if banned == nil {
		banned = DefaultBannedWords
	}
	lower := strings.ToLower(s)
	for _, w := range banned {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return invalid("content filtered, please use appropriate language")
		}
	}

	if longestRun(s) > maxRun {
		return invalid("text contains excessive repeated characters")
	}

	if n > 20 {
		upper := 0
		for _, r := range s {
			if unicode.IsUpper(r) {
				upper++
			}
		}
		if float64(upper) > float64(n)*0.7 {
			return invalid("please reduce the use of capital letters")
		}
	}
	return nil
}

func hasProblematicChars(s string, n int) bool {
	special := 0
	for _, r := range s {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	return float64(special) > float64(n)*0.5
}

// longestRun returns the length of the longest run of one repeated rune.
func longestRun(s string) int {
	best, cur := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			cur++
		} else {
			cur = 1
			prev = r
		}
		best = max(best, cur)
	}
	return best
}

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[.!?]{3,}`)
)

// Sanitize trims the prompt, collapses whitespace, drops control characters
// and shortens punctuation runs to two characters.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' {
			return -1
		}
		return r
	}, s)
	return punctuationRe.ReplaceAllStringFunc(s, func(run string) string {
		last := run[len(run)-1:]
		return last + last
	})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", imagegate.ErrInvalidPrompt, fmt.Sprintf(format, args...))
}
