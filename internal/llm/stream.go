package llm

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// maxLineSize bounds a single SSE line.
const maxLineSize = 1024 * 1024

const (
	ssePrefix    = "data:"
	sseTerminate = "[DONE]"
)

// StreamParser reads OpenAI-style server-sent events.
type StreamParser struct {
	scanner *bufio.Scanner
}

// NewStreamParser wraps reader.
func NewStreamParser(reader io.Reader) *StreamParser {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamParser{scanner: scanner}
}

// StreamChunk is one content delta.
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
}

// Next returns the next delta. Comment lines, keep-alives and payloads that
// are not JSON are skipped; EOF yields a Done chunk.
func (p *StreamParser) Next() (*StreamChunk, error) {
	for p.scanner.Scan() {
		payload, ok := strings.CutPrefix(p.scanner.Text(), ssePrefix)
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == sseTerminate {
			return &StreamChunk{Done: true}, nil
		}
		if !gjson.Valid(payload) {
			continue
		}

		event := gjson.Parse(payload)
		if apiErr := event.Get("error"); apiErr.IsObject() {
			return nil, &APIError{
				Code:    apiErr.Get("code").Value(),
				Message: apiErr.Get("message").String(),
			}
		}

		choice := event.Get("choices.0")
		if !choice.Exists() {
			continue
		}
		finish := choice.Get("finish_reason").String()
		return &StreamChunk{
			Content:      choice.Get("delta.content").String(),
			FinishReason: finish,
			Done:         finish != "",
		}, nil
	}

	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	return &StreamChunk{Done: true}, nil
}

// Collect concatenates every delta until the stream finishes.
func (p *StreamParser) Collect() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := p.Next()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Content)
		if chunk.Done {
			return sb.String(), nil
		}
	}
}
