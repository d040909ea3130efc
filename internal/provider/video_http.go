package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const videoCallTimeout = 30 * time.Second

// VideoHTTPAdapter is the asynchronous adapter for video providers: Submit
// returns a provider job id and completion is observed by polling Status or
// by the provider pushing a webhook carrying the same id.
type VideoHTTPAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewVideoHTTPAdapter(name, baseURL, apiKey string) *VideoHTTPAdapter {
	return &VideoHTTPAdapter{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: videoCallTimeout},
	}
}

var _ AsyncAdapter = (*VideoHTTPAdapter)(nil)

func (a *VideoHTTPAdapter) Name() string { return a.name }

type videoSubmitRequest struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	Options map[string]string `json:"options,omitempty"`
}

type videoSubmitResponse struct {
	ID string `json:"id"`
}

type videoStatusResponse struct {
	Status string `json:"status"` // queued | running | succeeded | failed
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *VideoHTTPAdapter) Submit(ctx context.Context, req *Request) (string, error) {
	body, err := json.Marshal(videoSubmitRequest{
		Model:   req.Model.ID,
		Prompt:  req.Prompt,
		Options: req.Options,
	})
	if err != nil {
		return "", err
	}

	var handle string
	backoff := retry.WithMaxRetries(maxProviderRetries, retry.NewExponential(retryBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		handle, err = a.submitOnce(ctx, body)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return handle, err
}

func (a *VideoHTTPAdapter) submitOnce(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/videos", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}
	var out videoSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: missing job id", ErrUnavailable)
	}
	return out.ID, nil
}

func (a *VideoHTTPAdapter) Status(ctx context.Context, handle string) (*JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/videos/"+handle, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	var out videoStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid status response", ErrUnavailable)
	}
	switch out.Status {
	case "queued":
		return &JobStatus{State: JobQueued}, nil
	case "running", "processing":
		return &JobStatus{State: JobRunning}, nil
	case "succeeded", "completed":
		return &JobStatus{State: JobSucceeded, Result: &Result{URLs: []string{out.URL}}}, nil
	case "failed":
		return &JobStatus{State: JobFailed, Err: fmt.Errorf("%w: job failed", ErrRejected)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown job status %q", ErrUnavailable, out.Status)
	}
}
