// Package parse turns free-form model replies into LaTeX source and comparison verdicts.
package parse

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const fence = "```"

// languageTags are the fence tags accepted as LaTeX, in priority order
var languageTags = []string{"latex", "tex"}

// ExtractCode returns the LaTeX carried by a model reply.
//
// A fence tagged latex (or tex) wins, then any fenced block, then the trimmed
// reply itself. Applying ExtractCode to its own output returns it unchanged.
func ExtractCode(response string) string {
	for _, tag := range languageTags {
		if body, ok := taggedBlock(response, tag); ok {
			return body
		}
	}

	if body, ok := anyBlock(response); ok {
		return body
	}

	return strings.TrimSpace(response)
}

// taggedBlock finds the first fence opened with exactly tag (so "tex" does not match "text")
func taggedBlock(response, tag string) (string, bool) {
	opener := fence + tag
	offset := 0
	for {
		idx := strings.Index(response[offset:], opener)
		if idx == -1 {
			return "", false
		}
		start := offset + idx + len(opener)
		if r, _ := utf8.DecodeRuneInString(response[start:]); start < len(response) && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			offset = start
			continue
		}
		body, ok := closeBlock(response, start)
		return strings.TrimSpace(body), ok
	}
}

// anyBlock finds the first fenced block regardless of tag
func anyBlock(response string) (string, bool) {
	idx := strings.Index(response, fence)
	if idx == -1 {
		return "", false
	}
	body, ok := closeBlock(response, idx+len(fence))
	if !ok {
		return "", false
	}
	return strings.TrimSpace(dropInfoString(body)), true
}

// closeBlock returns the raw text from start up to the next fence
func closeBlock(response string, start int) (string, bool) {
	end := strings.Index(response[start:], fence)
	if end == -1 {
		return "", false
	}
	return response[start : start+end], true
}

// dropInfoString strips a fence info string such as "python" sitting on the opening line
func dropInfoString(body string) string {
	nl := strings.IndexByte(body, '\n')
	if nl <= 0 {
		return body
	}
	info := body[:nl]
	if strings.TrimSpace(info) == "" || strings.ContainsAny(info, " \t\\{}$") {
		return body
	}
	return body[nl+1:]
}
