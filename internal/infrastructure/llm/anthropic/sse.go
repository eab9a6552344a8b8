package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	llm "github.com/miosa-osa/osa/internal/infrastructure/llm"
)

type toolCallAccumulator struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseSSEStream reads Anthropic's event-based SSE format.
//
// Event sequence: message_start, then per block content_block_start /
// content_block_delta / content_block_stop, then message_delta (stop_reason,
// final usage) and message_stop.
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- llm.StreamChunk, logger *zap.Logger) (*llm.Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var modelUsed string
	var tokensIn, tokensOut int
	var finishReason string
	toolCalls := make(map[int]*toolCallAccumulator)
	var eventType string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()

		// Format: "event: <type>" followed by "data: <json>".
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var evt StreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			logger.Debug("Skip unparseable SSE event",
				zap.String("event", eventType), zap.Error(err))
			eventType = ""
			continue
		}

		switch eventType {
		case "message_start":
			if evt.Message != nil {
				modelUsed = evt.Message.Model
				tokensIn = evt.Message.Usage.InputTokens
			}

		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				toolCalls[evt.Index] = &toolCallAccumulator{
					ID:   evt.ContentBlock.ID,
					Name: evt.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if evt.Delta == nil {
				break
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					contentBuilder.WriteString(evt.Delta.Text)
					deltaCh <- llm.StreamChunk{DeltaText: evt.Delta.Text}
				}
			case "input_json_delta":
				if acc, ok := toolCalls[evt.Index]; ok {
					acc.ArgsBuilder.WriteString(evt.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				finishReason = evt.Delta.StopReason
			}
			if evt.Usage != nil && evt.Usage.OutputTokens > 0 {
				tokensOut = evt.Usage.OutputTokens
			}

		case "message_stop", "ping":
			// Terminal marker and heartbeat need no handling.

		default:
			logger.Debug("Unknown Anthropic SSE event type", zap.String("type", eventType))
		}

		eventType = ""
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, errIdleTimeout) {
			logger.Warn("SSE stream idle timeout", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCalls) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	if finishReason != "" {
		deltaCh <- llm.StreamChunk{FinishReason: finishReason}
	}

	contentStr := contentBuilder.String()
	if tokensOut == 0 && len(contentStr) > 0 {
		tokensOut = len([]rune(contentStr))*3/2 + 50
	}

	resp := &llm.Response{
		Content:   contentStr,
		Model:     modelUsed,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}

	for i := 0; i < len(toolCalls); i++ {
		acc, ok := toolCalls[i]
		if !ok {
			continue
		}
		var args map[string]any
		if argsStr := acc.ArgsBuilder.String(); argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				logger.Warn("Failed to parse streamed tool call args",
					zap.String("tool", acc.Name),
					zap.Error(err),
				)
				continue
			}
		}
		tc := entity.ToolCall{ID: acc.ID, Name: acc.Name, Arguments: args}
		resp.ToolCalls = append(resp.ToolCalls, tc)
		deltaCh <- llm.StreamChunk{ToolCall: &tc}
	}

	return resp, nil
}

var errIdleTimeout = errors.New("SSE read idle timeout")

// timedReader applies a per-Read deadline so a stalled upstream cannot hang
// the scanner forever.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
