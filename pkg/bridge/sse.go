package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// sseEvent is one data: payload on the stream.
type sseEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// AssembleSSE reads a text/event-stream body and reduces it to one payload:
// chunk events accumulate in order until a complete event closes the stream
// with its content as the final result (a complete with null content falls
// back to the joined chunks). A payload that is not an event envelope is
// taken as the whole response. A stream that ends without a complete event
// is incomplete and errors.
func AssembleSSE(r io.Reader) (json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var chunks []json.RawMessage
	sawData := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		sawData = true

		var ev sseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err == nil {
			switch ev.Type {
			case "chunk":
				chunks = append(chunks, ev.Content)
				continue
			case "complete":
				if len(ev.Content) > 0 && string(ev.Content) != "null" {
					return ev.Content, nil
				}
				if len(chunks) == 0 {
					return json.RawMessage("null"), nil
				}
				return joinChunks(chunks), nil
			}
		}
		// Not an event envelope; the payload is the whole response.
		return json.RawMessage(payload), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sse stream read failed: %w", err)
	}
	if !sawData {
		return nil, fmt.Errorf("sse stream ended without data")
	}
	return nil, fmt.Errorf("sse stream ended without a complete event")
}

// joinChunks merges ordered chunk contents: string chunks concatenate into
// one string, anything else comes back as a JSON array.
func joinChunks(chunks []json.RawMessage) json.RawMessage {
	var sb strings.Builder
	allStrings := true
	for _, c := range chunks {
		var s string
		if err := json.Unmarshal(c, &s); err != nil {
			allStrings = false
			break
		}
		sb.WriteString(s)
	}
	if allStrings {
		out, _ := json.Marshal(sb.String())
		return out
	}
	out, _ := json.Marshal(chunks)
	return out
}
