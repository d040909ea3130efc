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

const (
	imageCallTimeout = 60 * time.Second
	maxProviderRetries = 2
	retryBaseDelay   = 500 * time.Millisecond
)

// ImageHTTPAdapter is the synchronous adapter for image providers exposing a
// plain request/response generation endpoint. Unavailability is retried with
// bounded exponential backoff before becoming terminal; rejections are not.
type ImageHTTPAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewImageHTTPAdapter(name, baseURL, apiKey string) *ImageHTTPAdapter {
	return &ImageHTTPAdapter{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: imageCallTimeout},
	}
}

var _ SyncAdapter = (*ImageHTTPAdapter)(nil)

func (a *ImageHTTPAdapter) Name() string { return a.name }

type imageGenerateRequest struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	N       int               `json:"n"`
	Options map[string]string `json:"options,omitempty"`
}

type imageGenerateResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (a *ImageHTTPAdapter) Generate(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(imageGenerateRequest{
		Model:   req.Model.ID,
		Prompt:  req.Prompt,
		N:       req.Quantity,
		Options: req.Options,
	})
	if err != nil {
		return nil, err
	}

	var result *Result
	backoff := retry.WithMaxRetries(maxProviderRetries, retry.NewExponential(retryBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err = a.generateOnce(ctx, body)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *ImageHTTPAdapter) generateOnce(ctx context.Context, body []byte) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var out imageGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON response", ErrUnavailable)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("%w: empty image list", ErrRejected)
	}
	res := &Result{}
	for _, img := range out.Images {
		res.URLs = append(res.URLs, img.URL)
	}
	return res, nil
}
