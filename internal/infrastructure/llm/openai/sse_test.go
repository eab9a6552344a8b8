package openai

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	llm "github.com/miosa-osa/osa/internal/infrastructure/llm"
)

func TestParseSSEStream_TextDeltas(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	deltaCh := make(chan llm.StreamChunk, 16)
	resp, err := parseSSEStream(context.Background(), strings.NewReader(stream), deltaCh, zap.NewNop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.TokensIn != 12 || resp.TokensOut != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.TokensIn, resp.TokensOut)
	}

	var text string
	var finish string
	for len(deltaCh) > 0 {
		c := <-deltaCh
		text += c.DeltaText
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text != "Hello" || finish != "stop" {
		t.Errorf("deltas text=%q finish=%q", text, finish)
	}
}

func TestParseSSEStream_ToolCallFragments(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"file_read","arguments":""}}]},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"/tmp/a\"}"}}]},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
	}, "\n")

	deltaCh := make(chan llm.StreamChunk, 16)
	resp, err := parseSSEStream(context.Background(), strings.NewReader(stream), deltaCh, zap.NewNop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "file_read" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["path"] != "/tmp/a" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
}

func TestParseSSEStream_MalformedChunkSkipped(t *testing.T) {
	stream := strings.Join([]string{
		`data: not json at all`,
		``,
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
		``,
	}, "\n")

	deltaCh := make(chan llm.StreamChunk, 16)
	resp, err := parseSSEStream(context.Background(), strings.NewReader(stream), deltaCh, zap.NewNop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}
