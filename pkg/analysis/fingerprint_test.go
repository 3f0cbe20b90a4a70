package analysis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/analysis"
)

func TestFingerprint_Deterministic(t *testing.T) {
	req := analysis.Request{Text: "net zero by 2040", Frameworks: []string{"CSRD", "GRI"}}

	a, err := analysis.Fingerprint(req)
	require.NoError(t, err)
	b, err := analysis.Fingerprint(req)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a)
}

func TestFingerprint_FrameworkOrderAndCase(t *testing.T) {
	a, err := analysis.Fingerprint(analysis.Request{Text: "report", Frameworks: []string{"GRI", "CSRD"}})
	require.NoError(t, err)
	b, err := analysis.Fingerprint(analysis.Request{Text: "report", Frameworks: []string{"csrd", "gri", "CSRD"}})
	require.NoError(t, err)

	assert.Equal(t, a, b, "framework spelling and order are canonicalized")
}

func TestFingerprint_DistinguishesInputs(t *testing.T) {
	base := analysis.Request{Text: "report"}

	seen := map[string]string{}
	for name, req := range map[string]analysis.Request{
		"base":          base,
		"quick":         {Text: "report", QuickMode: true},
		"industry":      {Text: "report", IndustrySector: "Energy"},
		"metrics":       {Text: "report", ExtractMetrics: true},
		"other text":    {Text: "another report"},
		"url not text":  {URL: "https://example.com/report"},
		"one framework": {Text: "report", Frameworks: []string{"TCFD"}},
	} {
		fp, err := analysis.Fingerprint(req)
		require.NoError(t, err, name)
		for otherName, other := range seen {
			assert.NotEqual(t, other, fp, "%s and %s must not collide", name, otherName)
		}
		seen[name] = fp
	}
}

func TestFingerprint_EquivalentURLs(t *testing.T) {
	a, err := analysis.Fingerprint(analysis.Request{URL: "HTTPS://Example.COM:443/esg?y=1#section"})
	require.NoError(t, err)
	b, err := analysis.Fingerprint(analysis.Request{URL: "https://example.com/esg?y=1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"default https port stripped", "https://example.com:443/a", "https://example.com/a"},
		{"default http port stripped", "http://example.com:80/a", "http://example.com/a"},
		{"custom port kept", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"host lowercased", "https://EXAMPLE.com/Path", "https://example.com/Path"},
		{"fragment dropped", "https://example.com/a#top", "https://example.com/a"},
		{"empty path becomes slash", "https://example.com", "https://example.com/"},
		{"query preserved", "https://example.com/a?b=2&a=1", "https://example.com/a?b=2&a=1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := analysis.CanonicalURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := analysis.CanonicalURL("not a url")
	assert.Error(t, err)
}
