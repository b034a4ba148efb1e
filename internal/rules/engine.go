// Package rules rewrites final transcripts with user-defined substitutions.
//
// A rules file holds one rule per line. Blank lines and lines starting with
// '#' are ignored.
//
//	pull request => PR
//	s/\bnew line\b/\n/g
//	s|(\d+) percent|\1%|i
//
// Literal rules match case-insensitively on word boundaries and replace every
// occurrence. Sed-style rules take a Go regular expression, a replacement in
// which \1..\9 and & refer to groups, and the flags i (ignore case) and g
// (every match instead of the first).
package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"
)

const defaultIterationLimit = 30

// ErrUnstable is returned when the rules keep changing the text after the
// iteration limit.
var ErrUnstable = errors.New("substitutions did not settle")

type rule interface {
	rewrite(text string) (string, bool)
}

// Engine applies an ordered rule list repeatedly until the text stops
// changing.
type Engine struct {
	rules []rule
	limit int
}

// Load reads rules from path. An empty path or a missing file yields an
// engine that returns its input unchanged.
func Load(path string, limit int) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(strings.NewReader(""), limit)
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Parse(strings.NewReader(""), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("open rules %q: %w", path, err)
	}
	defer file.Close()

	engine, err := Parse(file, limit)
	if err != nil {
		return nil, fmt.Errorf("rules %q: %w", path, err)
	}
	return engine, nil
}

// Parse compiles rules from r.
func Parse(r io.Reader, limit int) (*Engine, error) {
	if limit <= 0 {
		limit = defaultIterationLimit
	}

	engine := &Engine{limit: limit}
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		compiled, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		engine.rules = append(engine.rules, compiled)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return engine, nil
}

// Len reports the number of compiled rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Apply runs every rule in order, repeating the pass until nothing changes.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	current := text
	for pass := 0; pass < e.limit; pass++ {
		changed := false
		for _, r := range e.rules {
			next, ok := r.rewrite(current)
			if ok {
				current = next
				changed = true
			}
		}
		if !changed {
			return current, nil
		}
	}
	return current, fmt.Errorf("%w after %d passes", ErrUnstable, e.limit)
}

func parseLine(line string) (rule, error) {
	literal := strings.Contains(line, "=>")
	if isSedRule(line) {
		compiled, err := parseSed(line)
		if err == nil || !literal {
			return compiled, err
		}
	}
	if literal {
		return parseLiteral(line)
	}
	return nil, errors.New("expected \"from => to\" or s/pattern/replacement/flags")
}

// isSedRule accepts "s" followed by a punctuation delimiter, so a literal
// rule such as "stand up => standup" is not mistaken for one.
func isSedRule(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	delim := rune(line[1])
	return delim <= unicode.MaxASCII && (unicode.IsPunct(delim) || unicode.IsSymbol(delim))
}

type literalRule struct {
	re *regexp.Regexp
	to string
}

func parseLiteral(line string) (rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("literal rule has nothing to match")
	}

	pattern := regexp.QuoteMeta(from)
	if isWordByte(from[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(from[len(from)-1]) {
		pattern += `\b`
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	return literalRule{re: re, to: strings.TrimSpace(to)}, nil
}

func (r literalRule) rewrite(text string) (string, bool) {
	out := r.re.ReplaceAllLiteralString(text, r.to)
	return out, out != text
}

type sedRule struct {
	re     *regexp.Regexp
	tmpl   string
	global bool
}

func parseSed(line string) (rule, error) {
	fields, err := splitSed(line[2:], line[1])
	if err != nil {
		return nil, err
	}
	pattern, replacement, flags := fields[0], fields[1], strings.TrimSpace(fields[2])
	if pattern == "" {
		return nil, errors.New("sed rule has an empty pattern")
	}

	global := false
	prefix := ""
	for _, flag := range flags {
		switch flag {
		case 'g':
			global = true
		case 'i':
			prefix = "(?i)"
		default:
			return nil, fmt.Errorf("unknown flag %q", flag)
		}
	}

	re, err := regexp.Compile(prefix + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return sedRule{re: re, tmpl: expandTemplate(replacement), global: global}, nil
}

func (r sedRule) rewrite(text string) (string, bool) {
	var out string
	if r.global {
		out = r.re.ReplaceAllString(text, r.tmpl)
	} else {
		loc := r.re.FindStringSubmatchIndex(text)
		if loc == nil {
			return text, false
		}
		expanded := r.re.ExpandString(nil, r.tmpl, text, loc)
		out = text[:loc[0]] + string(expanded) + text[loc[1]:]
	}
	return out, out != text
}

// splitSed splits "pattern<d>replacement<d>flags". An escaped delimiter loses
// its backslash; other escapes are kept for the regexp or the template.
func splitSed(body string, delim byte) ([3]string, error) {
	var fields [3]string
	var current strings.Builder
	field := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body) && body[i+1] == delim:
			current.WriteByte(delim)
			i++
		case c == '\\' && i+1 < len(body):
			current.WriteByte(c)
			current.WriteByte(body[i+1])
			i++
		case c == delim && field < 2:
			fields[field] = current.String()
			current.Reset()
			field++
		default:
			current.WriteByte(c)
		}
	}
	if field < 2 {
		return fields, errors.New("unterminated sed rule")
	}
	fields[2] = current.String()
	return fields, nil
}

// expandTemplate converts a sed replacement into regexp template syntax.
func expandTemplate(replacement string) string {
	var out strings.Builder
	for i := 0; i < len(replacement); i++ {
		c := replacement[i]
		switch {
		case c == '$':
			out.WriteString("$$")
		case c == '&':
			out.WriteString("${0}")
		case c == '\\' && i+1 < len(replacement):
			next := replacement[i+1]
			i++
			switch {
			case next >= '0' && next <= '9':
				out.WriteString("${" + string(next) + "}")
			case next == 'n':
				out.WriteByte('\n')
			case next == 't':
				out.WriteByte('\t')
			case next == '$':
				out.WriteString("$$")
			default:
				out.WriteByte(next)
			}
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
