package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// analyze runs one request and returns the decoded document.
func (e *testEnv) analyze(token, company, text string) map[string]any {
	e.t.Helper()
	return e.call(http.MethodPost, "/analyze", token, map[string]any{
		"text":         text,
		"company_name": company,
		"quick_mode":   true,
	}, http.StatusOK)
}

func TestFrameworksCatalog(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("catalog@example.com")

	out := env.call(http.MethodGet, "/frameworks", token, nil, http.StatusOK)
	assert.NotEmpty(t, out["catalog_version"])

	frameworks := out["frameworks"].(map[string]any)
	for _, tag := range []string{"CSRD", "GRI", "SASB", "TCFD"} {
		require.Contains(t, frameworks, tag)
		fw := frameworks[tag].(map[string]any)
		assert.Greater(t, fw["total"].(float64), 0.0, tag)
		assert.NotEmpty(t, fw["name"], tag)
	}
}

func TestCompanyHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("history@example.com")

	env.analyze(token, "Acme", reportTextA)
	env.analyze(token, "Acme", reportTextB)

	out := env.call(http.MethodGet, "/company/Acme/history", token, nil, http.StatusOK)
	assert.Equal(t, "Acme", out["company"])
	assert.EqualValues(t, 90, out["period_days"])
	points := out["history"].([]any)
	require.Len(t, points, 2)

	trend := out["trend"].(map[string]any)
	for _, pillar := range []string{"environmental", "social", "governance", "overall"} {
		assert.Contains(t, trend, pillar)
	}

	// Unknown companies read as not found, not as an empty timeline.
	miss := env.call(http.MethodGet, "/company/Nowhere/history", token, nil, http.StatusNotFound)
	assert.Equal(t, "not_found", miss["error"])

	bad := env.call(http.MethodGet, "/company/Acme/history?days=nope", token, nil, http.StatusBadRequest)
	assert.Equal(t, "invalid_request", bad["error"])
	env.call(http.MethodGet, "/company/Acme/history?days=-3", token, nil, http.StatusBadRequest)
}

func TestAnalysisGapsOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.register("owner@example.com")
	other := env.register("other@example.com")

	doc := env.analyze(owner, "Acme", reportTextA)
	analysisID := doc["analysis_id"].(string)

	resp, raw := env.request(http.MethodGet, "/analysis/"+analysisID+"/gaps", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gaps []map[string]any
	require.NoError(t, json.Unmarshal(raw, &gaps))
	require.NotEmpty(t, gaps)
	for _, g := range gaps {
		assert.NotEmpty(t, g["framework"])
		assert.NotEmpty(t, g["requirement_id"])
		assert.NotEmpty(t, g["severity"])
	}

	// Another account sees not-found, not forbidden: analysis ids must
	// not leak existence across users.
	out := env.call(http.MethodGet, "/analysis/"+analysisID+"/gaps", other, nil, http.StatusNotFound)
	assert.Equal(t, "not_found", out["error"])

	env.call(http.MethodGet, "/analysis/does-not-exist/gaps", owner, nil, http.StatusNotFound)
}

func TestCompareCompanies(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("compare@example.com")

	env.analyze(token, "Alpha", reportTextA)
	env.analyze(token, "Beta", reportTextB)

	out := env.call(http.MethodPost, "/compare", token, map[string]any{
		"companies": []string{"Alpha", "Beta", "Ghost"},
	}, http.StatusOK)

	companies := out["companies"].([]any)
	require.Len(t, companies, 3)
	byName := map[string]map[string]any{}
	for _, c := range companies {
		entry := c.(map[string]any)
		byName[entry["company"].(string)] = entry
	}
	assert.Equal(t, true, byName["Alpha"]["found"])
	assert.Equal(t, true, byName["Beta"]["found"])
	assert.Equal(t, false, byName["Ghost"]["found"])

	baseline := out["benchmark"].(map[string]any)
	assert.GreaterOrEqual(t, baseline["sample_size"].(float64), 1.0)

	bad := env.call(http.MethodPost, "/compare", token,
		map[string]any{"companies": []string{"  "}}, http.StatusBadRequest)
	assert.Equal(t, "invalid_request", bad["error"])
}

func TestBenchmarkCompanies(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("bench@example.com")

	env.analyze(token, "Alpha", reportTextA)
	env.analyze(token, "Beta", reportTextB)

	out := env.call(http.MethodPost, "/benchmark", token, map[string]any{
		"companies":  []string{"Alpha", "Beta"},
		"frameworks": []string{"CSRD"},
	}, http.StatusOK)

	assert.Equal(t, []any{"CSRD"}, out["frameworks_analyzed"])
	assert.NotEmpty(t, out["best_performer"])
	avg := out["average_scores"].(map[string]any)
	assert.Greater(t, avg["overall"].(float64), 0.0)

	companies := out["companies"].([]any)
	require.Len(t, companies, 2)
	first := companies[0].(map[string]any)
	require.Equal(t, true, first["found"])
	fc := first["framework_compliance"].(map[string]any)
	require.Contains(t, fc, "CSRD")
	csrd := fc["CSRD"].(map[string]any)
	assert.Contains(t, csrd, "coverage")
	assert.Contains(t, csrd, "mandatory_met")

	bad := env.call(http.MethodPost, "/benchmark", token, map[string]any{
		"companies":  []string{"Alpha"},
		"frameworks": []string{"ISO9001"},
	}, http.StatusBadRequest)
	assert.Equal(t, "invalid_request", bad["error"])
}

func TestExportJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("export@example.com")
	env.analyze(token, "Acme", reportTextA)

	resp, raw := env.request(http.MethodPost, "/export", token, map[string]any{"format": "json"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("X-Export-Count"))
	disposition := resp.Header.Get("Content-Disposition")
	assert.Contains(t, disposition, `attachment; filename="esg_analyses_`)
	assert.Contains(t, disposition, `.json"`)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme", rows[0]["company_name"])
	assert.NotEmpty(t, rows[0]["analysis_id"])

	// Quick analysis cost 1, the export 10.
	usage := env.call(http.MethodGet, "/usage", token, nil, http.StatusOK)
	assert.EqualValues(t, 89, usage["credits_remaining"])
}

func TestExportFormatGating(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("gated@example.com")

	// PDF export is not part of the free tier.
	out := env.call(http.MethodPost, "/export", token,
		map[string]any{"format": "pdf"}, http.StatusForbidden)
	assert.Equal(t, "feature_locked", out["error"])
	assert.Equal(t, "https://esglens.test/upgrade", out["upgrade_url"])

	out = env.call(http.MethodPost, "/export", token,
		map[string]any{"format": "xml"}, http.StatusBadRequest)
	assert.Equal(t, "invalid_request", out["error"])
}

func TestSubscribeSwitchesTier(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register("upgrade@example.com")

	out := env.call(http.MethodPost, "/subscribe", token,
		map[string]any{"tier": "growth"}, http.StatusOK)
	assert.Equal(t, "growth", out["tier"])
	assert.EqualValues(t, 5000, out["credits"])
	checkout := out["checkout_url"].(string)
	assert.True(t, strings.HasPrefix(checkout, "https://esglens.test/upgrade?"), checkout)
	assert.Contains(t, checkout, "tier=growth")

	// The balance switches immediately; the old token still carries the
	// tier it was issued with.
	usage := env.call(http.MethodGet, "/usage", token, nil, http.StatusOK)
	assert.EqualValues(t, 5000, usage["credits_remaining"])
	assert.Equal(t, "free", usage["tier"])

	// Re-registering issues a token with the new tier and its limits.
	fresh := env.register("upgrade@example.com")
	usage = env.call(http.MethodGet, "/usage", fresh, nil, http.StatusOK)
	assert.Equal(t, "growth", usage["tier"])
	assert.EqualValues(t, 500, usage["limit"])

	bad := env.call(http.MethodPost, "/subscribe", token,
		map[string]any{"tier": "platinum"}, http.StatusBadRequest)
	assert.Equal(t, "invalid_request", bad["error"])
	env.call(http.MethodPost, "/subscribe", token,
		map[string]any{"tier": "anonymous"}, http.StatusBadRequest)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	out := env.call(http.MethodGet, "/health", "", nil, http.StatusOK)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "test", out["version"])
	assert.NotEmpty(t, out["timestamp"])

	detailed := env.call(http.MethodGet, "/health/detailed", "", nil, http.StatusOK)
	assert.Equal(t, "ok", detailed["status"])
	assert.GreaterOrEqual(t, detailed["uptime_seconds"].(float64), 0.0)

	services := detailed["services"].(map[string]any)
	for _, name := range []string{"store", "cache", "catalog"} {
		require.Contains(t, services, name)
		svc := services[name].(map[string]any)
		assert.Equal(t, "up", svc["status"], name)
	}
	assert.Contains(t, services["catalog"].(map[string]any)["detail"], "requirements")
	assert.Contains(t, detailed, "system")
}

func TestMetricsExposition(t *testing.T) {
	env := newTestEnv(t, nil)

	// Seed at least one instrumented request so the request counter has
	// a child to expose.
	env.call(http.MethodGet, "/health", "", nil, http.StatusOK)

	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(raw)
	assert.Contains(t, body, "api_requests_total")
	assert.Contains(t, body, "api_request_duration_seconds")
	assert.Contains(t, body, "go_goroutines")
}
