// Package vocab corrects recognizer output before it enters a transcript.
//
// A rules file holds one correction per line:
//
//	sigh attica => sciatica
//	s/\bl\s*(\d)\b/L$1/g
//
// Literal lines match whole words without regard to case. Substitution lines use
// Go regexp syntax, are case-insensitive by default and replace only the first match
// unless the g flag is present. Blank lines and lines starting with # are skipped.
package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var ErrInvalidRule = errors.New("invalid vocabulary rule")

type correction struct {
	re          *regexp.Regexp
	replacement string
	all         bool
}

func (c correction) apply(input string) string {
	if c.all {
		return c.re.ReplaceAllString(input, c.replacement)
	}
	loc := c.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input
	}
	expanded := c.re.ExpandString(nil, c.replacement, input, loc)
	return input[:loc[0]] + string(expanded) + input[loc[1]:]
}

// Corrector applies vocabulary corrections until the text stops changing.
type Corrector struct {
	corrections []correction
	limit       int
}

// Load reads a rules file. A missing or unset path yields a corrector without rules.
func Load(path string, limit int) (*Corrector, error) {
	if strings.TrimSpace(path) == "" {
		return newCorrector(nil, limit), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newCorrector(nil, limit), nil
		}
		return nil, fmt.Errorf("open vocabulary %q: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f, limit)
	if err != nil {
		return nil, fmt.Errorf("vocabulary %q: %w", path, err)
	}
	return c, nil
}

// Parse compiles rules from r.
func Parse(r io.Reader, limit int) (*Corrector, error) {
	var corrections []correction
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			c   correction
			err error
		)
		switch {
		case isSubstitution(line):
			c, err = parseSubstitution(line)
		case strings.Contains(line, "=>"):
			c, err = parseLiteral(line)
		default:
			err = ErrInvalidRule
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		corrections = append(corrections, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return newCorrector(corrections, limit), nil
}

func newCorrector(corrections []correction, limit int) *Corrector {
	if limit <= 0 {
		limit = 30
	}
	return &Corrector{corrections: corrections, limit: limit}
}

// Len reports the number of loaded corrections.
func (c *Corrector) Len() int {
	return len(c.corrections)
}

// Apply corrects text. Rule sets that never settle stop after the iteration limit.
func (c *Corrector) Apply(text string) (string, error) {
	result := text
	for pass := 0; pass < c.limit && len(c.corrections) > 0; pass++ {
		before := result
		for _, corr := range c.corrections {
			result = corr.apply(result)
		}
		if result == before {
			break
		}
	}
	return strings.TrimSpace(result), nil
}

func parseLiteral(line string) (correction, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	if from == "" {
		return correction{}, fmt.Errorf("%w: empty source", ErrInvalidRule)
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`)
	if err != nil {
		return correction{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	// Literal replacements must not expand $ references.
	return correction{re: re, replacement: strings.ReplaceAll(strings.TrimSpace(to), "$", "$$"), all: true}, nil
}

func parseSubstitution(line string) (correction, error) {
	delim := line[1]
	fields, rest, err := splitDelimited(line[2:], delim, 2)
	if err != nil {
		return correction{}, err
	}

	prefix := "i"
	all := false
	for _, flag := range strings.TrimSpace(rest) {
		switch flag {
		case 'i':
		case 'g':
			all = true
		case 'm', 's':
			prefix += string(flag)
		default:
			return correction{}, fmt.Errorf("%w: unsupported flag %q", ErrInvalidRule, flag)
		}
	}

	re, err := regexp.Compile("(?" + prefix + ")" + fields[0])
	if err != nil {
		return correction{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return correction{re: re, replacement: fields[1], all: all}, nil
}

// splitDelimited reads n delimiter-terminated fields, keeping escapes other than an escaped delimiter.
func splitDelimited(input string, delim byte, n int) ([]string, string, error) {
	fields := make([]string, 0, n)
	var field strings.Builder
	for i := 0; i < len(input); i++ {
		ch := input[i]
		switch {
		case ch == '\\' && i+1 < len(input):
			if input[i+1] != delim {
				field.WriteByte(ch)
			}
			field.WriteByte(input[i+1])
			i++
		case ch == delim:
			fields = append(fields, field.String())
			field.Reset()
			if len(fields) == n {
				return fields, input[i+1:], nil
			}
		default:
			field.WriteByte(ch)
		}
	}
	return nil, "", fmt.Errorf("%w: unterminated expression", ErrInvalidRule)
}

func isSubstitution(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	d := line[1]
	return !(d >= 'a' && d <= 'z' || d >= 'A' && d <= 'Z' || d >= '0' && d <= '9' || d == ' ' || d == '\t')
}
