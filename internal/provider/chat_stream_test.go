package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/atelierai/backend/internal/models"
)

func chatServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
}

func chatReq() *Request {
	return &Request{
		UnitID: uuid.New(),
		Model:  &models.Model{ID: "sonnet-lite", Type: models.ModelTypeChat, Provider: "wordsmith", MaxOutputTokens: 256},
		Prompt: "hello",
	}
}

func TestChatStreamDeliversTokensAndUsage(t *testing.T) {
	srv := chatServer(t, []string{
		`{"delta":"Hel"}`,
		`{"delta":"lo!"}`,
		`{"delta":"","usage":{"input_tokens":3,"output_tokens":2}}`,
		`[DONE]`,
	})
	defer srv.Close()

	a := NewChatStreamAdapter("wordsmith", srv.URL, "k")
	stream, err := a.Open(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	var final *StreamEvent
	for {
		ev, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if ev.Done {
			final = ev
			break
		}
		text.WriteString(ev.Delta)
	}
	if text.String() != "Hello!" {
		t.Fatalf("text = %q", text.String())
	}
	if final.InputTokens != 3 || final.OutputTokens != 2 {
		t.Fatalf("usage = %+v", final)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("Recv after done = %v, want io.EOF", err)
	}
}

func TestChatStreamEarlyCloseIsUnavailable(t *testing.T) {
	srv := chatServer(t, []string{`{"delta":"partial"}`}) // no [DONE]
	defer srv.Close()

	a := NewChatStreamAdapter("wordsmith", srv.URL, "k")
	stream, err := a.Open(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if ev, err := stream.Recv(); err != nil || ev.Delta != "partial" {
		t.Fatalf("first recv = %v / %v", ev, err)
	}
	if _, err := stream.Recv(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestChatOpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewChatStreamAdapter("wordsmith", srv.URL, "k")
	if _, err := a.Open(context.Background(), chatReq()); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}
