package openai

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

// toolCallAccumulator collects tool call fragments across SSE chunks.
type toolCallAccumulator struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseSSEStream reads a text/event-stream response, emitting deltas and
// accumulating the final response.
//
// Termination layers:
//
//	L1: break on finish_reason (some endpoints never send [DONE])
//	L2: 60s read idle timeout on the body
//	L3: the caller's context deadline
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- llm.StreamChunk, logger *zap.Logger) (*llm.Response, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	toolCallMap := make(map[int]*toolCallAccumulator)
	var modelUsed string
	var tokensIn, tokensOut int
	var finishReason string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil {
			if in := chunk.Usage.In(); in > 0 {
				tokensIn = in
			}
			if out := chunk.Usage.Out(); out > 0 {
				tokensOut = out
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			deltaCh <- llm.StreamChunk{DeltaText: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if _, ok := toolCallMap[idx]; !ok {
				toolCallMap[idx] = &toolCallAccumulator{ID: tc.ID, Name: tc.Function.Name}
			}
			acc := toolCallMap[idx]
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.ArgsBuilder.WriteString(tc.Function.Arguments)
		}

		// L1: finish_reason received, stop reading.
		if finishReason != "" {
			deltaCh <- llm.StreamChunk{FinishReason: finishReason}
			logger.Debug("SSE stream finished", zap.String("finish_reason", finishReason))
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, errIdleTimeout) {
			logger.Warn("SSE stream idle timeout", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCallMap) == 0 {
				return nil, fmt.Errorf("SSE stream stalled: no data for %v", idleTimeout)
			}
			logger.Info("Returning partial SSE response after idle timeout")
		} else {
			return nil, fmt.Errorf("SSE scan error: %w", err)
		}
	}

	contentStr := contentBuilder.String()
	if tokensOut == 0 && len(contentStr) > 0 {
		// Rough estimate when the endpoint omits usage.
		tokensOut = len([]rune(contentStr))*3/2 + 50
	}

	resp := &llm.Response{
		Content:   contentStr,
		Model:     modelUsed,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}

	for i := 0; i < len(toolCallMap); i++ {
		acc, ok := toolCallMap[i]
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
