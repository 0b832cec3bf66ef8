package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

const maxResponseBytes = 1 << 20

// httpResponse is a fully read provider response.
type httpResponse struct {
	StatusCode int
	Body       []byte
}

func newJSONRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func newFormRequest(ctx context.Context, endpoint string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req and classifies transport failures. A request whose outcome
// cannot be known (timeout mid-flight) is ambiguous; one that never reached
// the provider is unavailable.
func do(client *http.Client, req *http.Request) (httpResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return httpResponse{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return httpResponse{}, fmt.Errorf("read body: %w", domain.ErrProviderAmbiguous)
	}
	return httpResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timed out: %w", domain.ErrProviderAmbiguous)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request canceled: %w", domain.ErrProviderAmbiguous)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("network timeout: %w", domain.ErrProviderAmbiguous)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("dial failed: %w", domain.ErrProviderUnavailable)
	}
	return fmt.Errorf("transport error: %w", domain.ErrProviderUnavailable)
}

// classifyHTTPStatus maps non-2xx codes when the body carried nothing more
// specific. sideEffect marks calls that may have moved money, where a 5xx
// cannot be read as "nothing happened".
func classifyHTTPStatus(code int, sideEffect bool) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return domain.ErrNotFound
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return domain.ErrProviderUnavailable
	case code >= 500:
		if sideEffect {
			return domain.ErrProviderAmbiguous
		}
		return domain.ErrProviderUnavailable
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return domain.ErrProviderUnavailable
	default:
		return domain.ErrProviderRejected
	}
}

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed provider response: %w", domain.ErrProviderAmbiguous)
	}
	return nil
}

// logRaw records provider-native codes. They stop here and never travel further.
func logRaw(logger *slog.Logger, p domain.Provider, op string, code any, message string) {
	logger.Warn("provider response",
		"provider", p,
		"op", op,
		"provider_code", code,
		"provider_message", message,
	)
}

// flattenPayload reads a JSON object or a form-encoded body into string fields.
func flattenPayload(body []byte) (map[string]string, error) {
	fields := map[string]string{}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var raw map[string]any
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.New("unreadable payload")
		}
		for k, v := range raw {
			if v == nil {
				continue
			}
			fields[k] = fmt.Sprint(v)
		}
		return fields, nil
	}
	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, errors.New("unreadable payload")
	}
	for k := range values {
		fields[k] = values.Get(k)
	}
	return fields, nil
}
