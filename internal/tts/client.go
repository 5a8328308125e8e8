// Package tts calls the hosted speech APIs that back the credential pool.
//
// Every client makes exactly one HTTP request per call and never retries:
// failover across credentials is the orchestrator's job.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

const (
	maxResponseBytes  = 64 << 20
	maxErrorBodyBytes = 4 << 10
)

// Error messages.
const (
	errFmtServiceError       = "%s API error (%s): %s"
	errFmtServiceErrorStatus = "%s API error (%s): %s [%s]"
	errFmtServiceNonOKStatus = "%s API returned non-OK status: %s, body: %s"
)

// Static errors.
var (
	ErrTextEmpty        = errors.New("text cannot be empty")
	ErrSecretEmpty      = errors.New("credential has no secret")
	ErrEmptyAudio       = errors.New("received empty audio data")
	ErrTooManySpeakers  = errors.New("too many speakers for provider")
	ErrUnknownProvider  = errors.New("unknown speech provider")
	ErrUsageUnsupported = errors.New("provider does not report usage")
)

// APIError is a non-2xx response from a speech API.
type APIError struct {
	Provider   string
	Status     string
	Message    string
	Code       string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf(errFmtServiceErrorStatus, e.Provider, e.Status, e.Message, e.Code)
	}

	return fmt.Sprintf(errFmtServiceError, e.Provider, e.Status, e.Message)
}

// Retryable reports whether another credential may succeed where this one
// failed: quota, auth and server errors are credential or provider scoped.
func (e *APIError) Retryable() bool {
	return e.StatusCode != http.StatusBadRequest
}

// apiClient is the HTTP plumbing shared by the provider clients.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
	provider   string
}

func newAPIClient(provider, baseURL string, timeout time.Duration) apiClient {
	return apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// do sends one request and returns the body of a 2xx response.
func (c apiClient) do(
	ctx context.Context,
	method, url string,
	headers map[string]string,
	payload any,
) ([]byte, error) {
	body := io.Reader(http.NoBody)

	if payload != nil {
		requestBody, err := marshalJSON(payload)
		if err != nil {
			return nil, err
		}

		body = bytes.NewReader(requestBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	for name, value := range headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s API: %w", c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.parseErrorResponse(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", c.provider, err)
	}

	return data, nil
}

// errorEnvelope covers the error shapes of the supported APIs:
// {"error": {"code", "message", "status"}} and {"detail": "..." | {"status", "message"}}.
type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Code    int    `json:"code"`
	} `json:"error"`
	Detail any `json:"detail"`
}

// parseErrorResponse attempts to decode a structured JSON error from the API.
// If structured parsing fails, it falls back to the raw response body so the
// diagnostic is preserved.
func (c apiClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	apiErr := &APIError{
		Provider:   c.provider,
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
	}

	var envelope errorEnvelope

	if parseJSON(body, &envelope) == nil {
		switch {
		case envelope.Error != nil && envelope.Error.Message != "":
			apiErr.Message = envelope.Error.Message
			apiErr.Code = envelope.Error.Status

			return apiErr
		case envelope.Detail != nil:
			if message, code := detailMessage(envelope.Detail); message != "" {
				apiErr.Message = message
				apiErr.Code = code

				return apiErr
			}
		}
	}

	apiErr.Message = fmt.Sprintf(errFmtServiceNonOKStatus, c.provider, resp.Status, strings.TrimSpace(string(body)))

	return apiErr
}

func detailMessage(detail any) (message, code string) {
	switch value := detail.(type) {
	case string:
		return value, ""
	case map[string]any:
		message, _ = value["message"].(string)
		code, _ = value["status"].(string)

		return message, code
	default:
		return "", ""
	}
}
