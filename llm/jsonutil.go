package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// maxCandidates bounds how many balanced spans are tried per response.
const maxCandidates = 16

// Pre-compiled patterns for JSON extraction from LLM responses.
var (
	// fencePattern matches the body of a markdown code block: ```json ... ```
	fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts the first JSON object from an LLM response. It strips
// code fences, scans for a balanced {...} span and, when that span does not
// parse, removes // comments and trailing commas and tries again. Failure is
// reported as ErrParse. It never panics on arbitrary input.
func ExtractJSON(content string) (string, error) {
	return extract(content, '{', '}')
}

// ExtractJSONArray is ExtractJSON for a top-level array.
func ExtractJSONArray(content string) (string, error) {
	return extract(content, '[', ']')
}

func extract(content string, open, close byte) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", parseError("empty response")
	}

	for _, body := range fenceBodies(content) {
		if out, ok := firstValid(body, open, close); ok {
			return out, nil
		}
	}
	if out, ok := firstValid(content, open, close); ok {
		return out, nil
	}
	return "", parseError("no parseable %c...%c in %d bytes", open, close, len(content))
}

// fenceBodies returns the contents of each fenced block, in order.
func fenceBodies(content string) []string {
	matches := fencePattern.FindAllStringSubmatch(content, -1)
	bodies := make([]string, 0, len(matches))
	for _, m := range matches {
		bodies = append(bodies, m[1])
	}
	return bodies
}

// firstValid tries successive balanced spans until one parses, either as is
// or after cleaning.
func firstValid(s string, open, close byte) (string, bool) {
	from := 0
	for i := 0; i < maxCandidates && from < len(s); i++ {
		start, end, ok := balancedSpan(s, from, open, close)
		if !ok {
			return "", false
		}
		span := s[start:end]
		if json.Valid([]byte(span)) {
			return span, true
		}
		if cleaned := cleanJSON(span); json.Valid([]byte(cleaned)) {
			return cleaned, true
		}
		from = start + 1
	}
	return "", false
}

// balancedSpan finds the first open byte at or after from and returns the
// span through its matching close byte. Brackets inside JSON strings are
// ignored and escapes are honored. Line comments may contain quotes, so
// they are skipped as well.
func balancedSpan(s string, from int, open, close byte) (int, int, bool) {
	start := strings.IndexByte(s[from:], open)
	if start < 0 {
		return 0, 0, false
	}
	start += from

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '/':
			if i+1 < len(s) && s[i+1] == '/' {
				nl := strings.IndexByte(s[i:], '\n')
				if nl < 0 {
					return 0, 0, false
				}
				i += nl
			}
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return start, i + 1, true
			}
		}
	}
	return 0, 0, false
}

// cleanJSON removes JavaScript-style comments and trailing commas from JSON.
// LLMs commonly produce these invalid JSON artifacts.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
// For example:
//
//	"i-0abc",                   // idle since March  → "i-0abc",
//	"url": "http://example.com" // comment           → "url": "http://example.com"
//	"url": "http://example.com"                      → "url": "http://example.com" (no change)
func stripLineComment(line string) string {
	// Fast path: no // at all
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
