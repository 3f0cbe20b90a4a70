package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider calls a sidecar model service speaking a minimal JSON
// contract: POST {"text"} → {"label","confidence"}. Calls ride through
// the retry client, so a flapping sidecar is retried and a dead one is
// skipped until its circuit cools down.
type HTTPProvider struct {
	url    string
	client *retryClient
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		url: url,
		client: newRetryClient(&http.Client{
			Timeout: 5 * time.Second,
		}),
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Analyze(ctx context.Context, text string) (*Signal, error) {
	body, err := json.Marshal(map[string]string{"text": truncate(text)})
	if err != nil {
		return nil, fmt.Errorf("sentiment: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sentiment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sentiment: backend returned %d", resp.StatusCode)
	}

	var out struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sentiment: decode response: %w", err)
	}

	return &Signal{
		Label:      normalizeLabel(out.Label),
		Confidence: clampConfidence(out.Confidence),
	}, nil
}
