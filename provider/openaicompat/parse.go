package openaicompat

import (
	"encoding/json"

	"github.com/porticoai/portico"
)

// ParseResponse converts an OpenAI-format ChatResponse to the universal
// shape. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (portico.ChatResponse, error) {
	out := portico.ChatResponse{
		Type:       portico.ResponseText,
		StopReason: portico.StopEndTurn,
	}

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.StopReason = mapFinishReason(choice.FinishReason, len(out.ToolCalls) > 0)
	if len(out.ToolCalls) > 0 {
		out.Type = portico.ResponseToolUse
	}

	if resp.Usage != nil {
		out.Usage = portico.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// mapFinishReason folds the vendor's finish_reason into the universal stop
// signal. Some gateways omit finish_reason on tool responses, so the
// presence of parsed tool calls also forces tool_use.
func mapFinishReason(reason string, hasToolCalls bool) portico.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return portico.StopToolUse
	case "length":
		return portico.StopMaxTokens
	}
	if hasToolCalls {
		return portico.StopToolUse
	}
	return portico.StopEndTurn
}

// ParseToolCalls converts OpenAI tool call requests to universal ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid argument
// payloads degrade to an empty object rather than poisoning the loop.
func ParseToolCalls(tcs []ToolCallRequest) []portico.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]portico.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, portico.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
