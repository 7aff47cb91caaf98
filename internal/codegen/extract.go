package codegen

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractFenced returns the body of the first fenced block tagged lang, or
// of the first untagged block, or the whole text when there is no fence.
func ExtractFenced(text, lang string) string {
	matches := fenceRe.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		if strings.EqualFold(m[1], lang) {
			return strings.TrimSpace(m[2])
		}
	}
	for _, m := range matches {
		if m[1] == "" {
			return strings.TrimSpace(m[2])
		}
	}
	return strings.TrimSpace(text)
}

// DecodeJSON decodes the first JSON object found in text into v. Fenced
// json blocks are preferred; otherwise the outermost {...} span is used.
func DecodeJSON(text string, v interface{}) error {
	candidate := ExtractFenced(text, "json")
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end < start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), v); err != nil {
		return fmt.Errorf("decode JSON response: %w", err)
	}
	return nil
}
