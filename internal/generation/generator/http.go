package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/manuscript/internal/generation/domain"
	obstracing "github.com/smallbiznis/manuscript/internal/observability/tracing"
)

const maxResponseBytes = 1 << 20

type generateRequest struct {
	OrderID          string   `json:"order_id"`
	OrderType        string   `json:"order_type"`
	Guide            string   `json:"guide"`
	PlaceName        string   `json:"place_name,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	RevisionMemo     string   `json:"revision_memo,omitempty"`
	ExtraInstruction string   `json:"extra_instruction,omitempty"`
	QualityMode      string   `json:"quality_mode,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// HTTPGenerator calls an external text generation service.
type HTTPGenerator struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPGenerator(endpoint, apiKey string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		httpClient: obstracing.WrapHTTPClient(&http.Client{
			Timeout: timeout,
		}),
	}
}

// Generate returns errors classified for the worker: timeouts, network
// failures, 408, 429 and 5xx responses are transient; any other non-2xx
// response is permanent.
func (g *HTTPGenerator) Generate(ctx context.Context, in domain.Input) (string, error) {
	payload, err := json.Marshal(generateRequest{
		OrderID:          in.OrderID.String(),
		OrderType:        in.OrderType,
		Guide:            in.Guide,
		PlaceName:        in.PlaceName,
		Keywords:         in.Keywords,
		RevisionMemo:     in.RevisionMemo,
		ExtraInstruction: in.ExtraInstruction,
		QualityMode:      in.QualityMode,
	})
	if err != nil {
		return "", domain.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", domain.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", domain.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", domain.Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return "", domain.Transient(statusError(resp.Status, body))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return "", domain.Permanent(statusError(resp.Status, body))
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", domain.Transient(fmt.Errorf("decode generator response: %w", err))
	}
	if strings.TrimSpace(decoded.Text) == "" {
		return "", domain.Transient(errors.New("generator returned empty text"))
	}
	return decoded.Text, nil
}

func statusError(status string, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if snippet == "" {
		return fmt.Errorf("generator returned %s", status)
	}
	return fmt.Errorf("generator returned %s: %s", status, snippet)
}
