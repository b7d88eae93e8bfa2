package judge

import (
	"regexp"
	"strings"
)

// Judge endpoints return CGI-style variable dumps, sometimes wrapped in
// HTML. Lines look like `KEY: value` or `KEY=value`; keys are matched
// case-insensitively and surrounding whitespace is ignored.

var (
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
	varLinePattern = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9_-]*)\s*[:=]\s*(.*?)\s*$`)
)

// ParseVars extracts CGI-style variables from a judge response body.
// Keys are normalized to upper snake case (`X-Forwarded-For` and
// `X_FORWARDED_FOR` collapse to the same key; an `HTTP_` prefix is kept
// as written, so `HTTP_X_FORWARDED_FOR` stays a separate key). Later
// duplicates do not overwrite earlier values.
func ParseVars(body []byte) map[string]string {
	text := htmlTagPattern.ReplaceAllString(string(body), "\n")
	vars := make(map[string]string)

	for _, line := range strings.Split(text, "\n") {
		match := varLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		key := NormalizeKey(match[1])
		if key == "" {
			continue
		}
		if _, exists := vars[key]; !exists {
			vars[key] = match[2]
		}
	}

	return vars
}

// NormalizeKey uppercases a variable name and folds dashes to underscores
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
}
