package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ChatStreamAdapter is the streaming adapter for chat providers speaking the
// common SSE completion format: a sequence of "data: {json}" lines with
// incremental deltas, a usage object on the final chunk, and a "[DONE]"
// sentinel.
type ChatStreamAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewChatStreamAdapter(name, baseURL, apiKey string) *ChatStreamAdapter {
	// No client timeout: streams are long-lived and bounded by the request
	// context instead.
	return &ChatStreamAdapter{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

var _ StreamAdapter = (*ChatStreamAdapter)(nil)

func (a *ChatStreamAdapter) Name() string { return a.name }

type chatOpenRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream"`
}

type chatChunk struct {
	Delta string `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func (a *ChatStreamAdapter) Open(ctx context.Context, req *Request) (Stream, error) {
	body, err := json.Marshal(chatOpenRequest{
		Model:     req.Model.ID,
		Prompt:    req.Prompt,
		MaxTokens: req.Model.MaxOutputTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   StreamEvent
	done    bool
}

// Recv returns the next delta event. The terminating event has Done set and
// carries the total token usage reported by the provider's final chunk.
func (s *sseStream) Recv() (*StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			ev := s.usage
			ev.Done = true
			return &ev, nil
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("%w: malformed stream chunk", ErrUnavailable)
		}
		if chunk.Usage != nil {
			s.usage.InputTokens = chunk.Usage.InputTokens
			s.usage.OutputTokens = chunk.Usage.OutputTokens
		}
		if chunk.Delta == "" {
			continue
		}
		return &StreamEvent{Delta: chunk.Delta}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, classifyTransport(err)
	}
	// Stream ended without a [DONE] sentinel.
	return nil, fmt.Errorf("%w: stream closed early", ErrUnavailable)
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
