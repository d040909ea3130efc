package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/atelierai/backend/internal/models"
)

func imageReq() *Request {
	return &Request{
		UnitID:   uuid.New(),
		Model:    &models.Model{ID: "flux-schnell", Type: models.ModelTypeImage, Provider: "pixelsmith"},
		Prompt:   "a lighthouse at dusk",
		Quantity: 2,
	}
}

func TestImageGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{"images":[{"url":"https://cdn/a.png"},{"url":"https://cdn/b.png"}]}`))
	}))
	defer srv.Close()

	a := NewImageHTTPAdapter("pixelsmith", srv.URL, "test-key")
	res, err := a.Generate(context.Background(), imageReq())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.URLs) != 2 {
		t.Fatalf("got %d urls, want 2", len(res.URLs))
	}
}

func TestImageGenerateRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad prompt"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	a := NewImageHTTPAdapter("pixelsmith", srv.URL, "k")
	_, err := a.Generate(context.Background(), imageReq())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("rejection was retried %d times", calls.Load())
	}
}

func TestImageGenerateRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"images":[{"url":"https://cdn/a.png"}]}`))
	}))
	defer srv.Close()

	a := NewImageHTTPAdapter("pixelsmith", srv.URL, "k")
	res, err := a.Generate(context.Background(), imageReq())
	if err != nil {
		t.Fatalf("Generate after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if len(res.URLs) != 1 {
		t.Fatalf("urls = %v", res.URLs)
	}
}

func TestImageGenerateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewImageHTTPAdapter("pixelsmith", srv.URL, "k")
	_, err := a.Generate(context.Background(), imageReq())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	// initial attempt + maxProviderRetries
	if calls.Load() != maxProviderRetries+1 {
		t.Fatalf("calls = %d, want %d", calls.Load(), maxProviderRetries+1)
	}
}
