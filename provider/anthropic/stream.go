package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/porticoai/portico"
)

// streamEvent is the union of Anthropic SSE event payloads this adapter
// cares about. Anthropic names each event (message_start, content_block_start,
// content_block_delta, message_delta, message_stop); the payload's type field
// repeats the name, so the data lines alone are enough.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	// content_block_start
	ContentBlock *rawContentBlock `json:"content_block,omitempty"`
	// content_block_delta
	Delta *streamDelta `json:"delta,omitempty"`
	// message_start / message_delta
	Message *rawResponse `json:"message,omitempty"`
	Usage   *rawUsage    `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"` // "text_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ChatStream streams the response, emitting text deltas into ch, and returns
// the accumulated result. Tool-use input arrives as partial_json fragments
// per block index and is reassembled before the response is returned. The
// caller owns ch.
func (p *Provider) ChatStream(ctx context.Context, req portico.ChatRequest, ch chan<- portico.StreamEvent) (portico.ChatResponse, error) {
	body := p.buildBody(req, req.Tools)
	body.Stream = true

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return portico.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return portico.ChatResponse{}, p.httpErr(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var usage portico.Usage
	stopReason := ""

	type partialTool struct {
		id   string
		name string
		args strings.Builder
	}
	blocks := map[int]*partialTool{}
	order := []int{}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &partialTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				select {
				case ch <- portico.StreamEvent{Type: portico.EventTextDelta, Content: ev.Delta.Text}:
				case <-ctx.Done():
					return portico.ChatResponse{}, ctx.Err()
				}
			case "input_json_delta":
				if b, ok := blocks[ev.Index]; ok {
					b.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			// terminal event; the read loop ends when the body closes
		}
	}
	if err := scanner.Err(); err != nil {
		return portico.ChatResponse{}, err
	}

	var calls []portico.ToolCall
	for _, idx := range order {
		b := blocks[idx]
		args := json.RawMessage(b.args.String())
		if !json.Valid(args) || len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, portico.ToolCall{ID: b.id, Name: b.name, Args: args})
	}

	out := portico.ChatResponse{
		Type:       portico.ResponseText,
		Content:    content.String(),
		ToolCalls:  calls,
		StopReason: mapStopReason(stopReason),
		Usage:      usage,
	}
	if len(calls) > 0 {
		out.Type = portico.ResponseToolUse
	}
	return out, nil
}
