package sentiment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/sentiment"
)

func TestHTTPProvider(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		gotText = in.Text
		_ = json.NewEncoder(w).Encode(map[string]any{"label": "POSITIVE", "confidence": 0.93})
	}))
	defer srv.Close()

	p := sentiment.NewHTTPProvider(srv.URL)
	sig, err := p.Analyze(context.Background(), "strong sustainability performance")
	require.NoError(t, err)

	assert.Equal(t, sentiment.LabelPositive, sig.Label)
	assert.InDelta(t, 0.93, sig.Confidence, 1e-9)
	assert.Equal(t, "strong sustainability performance", gotText)
}

func TestHTTPProvider_TruncatesInput(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		gotLen = len(in.Text)
		_ = json.NewEncoder(w).Encode(map[string]any{"label": "neutral", "confidence": 0.5})
	}))
	defer srv.Close()

	p := sentiment.NewHTTPProvider(srv.URL)
	_, err := p.Analyze(context.Background(), strings.Repeat("a", 10_000))
	require.NoError(t, err)
	assert.LessOrEqual(t, gotLen, 4096)
}

func TestHTTPProvider_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := sentiment.NewHTTPProvider(srv.URL).Analyze(context.Background(), "text")
	assert.Error(t, err)
}

func TestHTTPProvider_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "warming up", http.StatusInternalServerError)
			return
		}
		var in struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "transient text", in.Text, "retries resend the body")
		_ = json.NewEncoder(w).Encode(map[string]any{"label": "positive", "confidence": 0.8})
	}))
	defer srv.Close()

	sig, err := sentiment.NewHTTPProvider(srv.URL).Analyze(context.Background(), "transient text")
	require.NoError(t, err)
	assert.Equal(t, sentiment.LabelPositive, sig.Label)
	assert.Equal(t, 3, calls)
}

func TestHTTPProvider_NoRetryOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := sentiment.NewHTTPProvider(srv.URL).Analyze(context.Background(), "text")
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "4xx responses are not retried")
}

func TestHTTPProvider_LabelMapping(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{"POSITIVE", sentiment.LabelPositive},
		{"negative", sentiment.LabelNegative},
		{"LABEL_0", sentiment.LabelNegative},
		{"LABEL_2", sentiment.LabelPositive},
		{"mixed", sentiment.LabelNeutral},
		{"", sentiment.LabelNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{"label": tt.backend, "confidence": 1.2})
			}))
			defer srv.Close()

			sig, err := sentiment.NewHTTPProvider(srv.URL).Analyze(context.Background(), "text")
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig.Label)
			assert.LessOrEqual(t, sig.Confidence, 1.0, "confidence is clamped")
		})
	}
}

func TestDisabled(t *testing.T) {
	_, err := sentiment.Disabled{}.Analyze(context.Background(), "text")
	assert.ErrorIs(t, err, sentiment.ErrUnavailable)
}

func TestFromConfig(t *testing.T) {
	p, err := sentiment.FromConfig(context.Background(), "http://model:9000/classify", "")
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	p, err = sentiment.FromConfig(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "disabled", p.Name())

	_, err = sentiment.FromConfig(context.Background(), "", "/nonexistent/model.wasm")
	assert.Error(t, err, "missing module file fails fast")
}
