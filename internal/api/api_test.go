package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/auth"
	"konform/internal/catalog"
	"konform/internal/config"
	"konform/internal/fetch"
	"konform/internal/fix"
	"konform/internal/llm"
	"konform/internal/quota"
	"konform/internal/report"
	"konform/internal/scan"
	"konform/internal/store"
)

type env struct {
	srv    *httptest.Server
	store  *store.Store
	ledger *quota.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Fetch.AllowPrivate = true

	fetcher, err := fetch.NewStaticFetcher(cfg.Fetch)
	require.NoError(t, err)
	mgr, err := catalog.NewManager("")
	require.NoError(t, err)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "scans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ledger, err := quota.Open(filepath.Join(dir, "quota.db"), "free")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	fixer, err := scan.NewFixer(cfg, fix.New(llm.Disabled{}), st, ledger)
	require.NoError(t, err)
	orch := scan.New(scan.Deps{
		Config: cfg, Fetcher: fetcher, Catalog: mgr,
		Ledger: ledger, Store: st, Fixer: fixer,
	})

	server := New(Deps{
		Config: cfg,
		Verifier: auth.NewStaticTokens(map[string]string{
			"tok-alice": "alice",
			"tok-bob":   "bob",
		}),
		Orch: orch, Fixer: fixer, Ledger: ledger, Store: st, Catalog: mgr,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: st, ledger: ledger}
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

// seedScan stores a finished scan owned by alice with one fixable
// imprint issue, and returns it.
func (e *env) seedScan(t *testing.T) *report.Scan {
	t.Helper()
	issue := report.Issue{
		ID:           report.NewIssueID("scan-api", report.PillarImprint, "site:imprint"),
		Pillar:       report.PillarImprint,
		Severity:     report.SeverityCritical,
		Title:        "Imprint missing",
		LegalBasis:   "§ 5 TMG",
		RiskEuro:     3000,
		Locator:      "site:imprint",
		FixAvailable: true,
		Confidence:   1.0,
	}
	s := &report.Scan{
		ID: "scan-api", UserID: "alice", URL: "https://beispiel.de",
		Status: report.StatusDone, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
		Score: 55,
		Pillars: []report.PillarResult{
			{Pillar: report.PillarImprint, Score: 80, Checked: true, Issues: []report.Issue{issue}},
		},
	}
	require.NoError(t, e.store.SaveScan(context.Background(), s))
	return s
}

func TestHealthzNoAuth(t *testing.T) {
	e := newEnv(t)
	resp, raw := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["catalog_version"])
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	resp, raw := e.do(t, http.MethodGet, "/api/v1/quota", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "unauthorized", body.Error.Code)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/quota", "tok-wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestScanLifecycle(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<!DOCTYPE html><html lang="de"><head><title>x</title></head>` +
			`<body><h1>Hallo</h1></body></html>`))
	}))
	defer site.Close()
	e := newEnv(t)

	resp, raw := e.do(t, http.MethodPost, "/api/v1/scans", "tok-alice",
		map[string]string{"url": site.URL})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(raw, &accepted))
	scanID := accepted["scan_id"]
	require.NotEmpty(t, scanID)

	deadline := time.Now().Add(10 * time.Second)
	var result report.Scan
	for {
		resp, raw = e.do(t, http.MethodGet, "/api/v1/scans/"+scanID, "tok-alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(raw, &result))
		if result.Status == report.StatusDone || result.Status == report.StatusFailed {
			break
		}
		require.False(t, time.Now().After(deadline), "scan stuck in %s", result.Status)
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, report.StatusDone, result.Status)
	assert.Len(t, result.Pillars, 4)

	// Foreign users cannot read it.
	resp, _ = e.do(t, http.MethodGet, "/api/v1/scans/"+scanID, "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// And it shows up in alice's list.
	resp, raw = e.do(t, http.MethodGet, "/api/v1/scans", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Scans []store.ScanSummary `json:"scans"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Scans, 1)
	assert.Equal(t, scanID, list.Scans[0].ID)
}

func TestScanValidation(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/scans", "tok-alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/scans", "tok-alice",
		map[string]string{"url": "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/scans/unknown", "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFixFlow(t *testing.T) {
	e := newEnv(t)
	seeded := e.seedScan(t)

	resp, raw := e.do(t, http.MethodPost, "/api/v1/scans/"+seeded.ID+"/fixes", "tok-alice",
		map[string]interface{}{
			"company": map[string]interface{}{
				"name": "Beispiel GmbH", "legal_form": "GmbH",
				"street": "Hauptstraße 12", "zip": "10115", "city": "Berlin",
				"email": "info@beispiel.de",
			},
		})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var bundle fixesResponse
	require.NoError(t, json.Unmarshal(raw, &bundle))
	require.Len(t, bundle.Fixes, 1)
	fixID := bundle.Fixes[0].ID
	assert.Empty(t, bundle.Warning)

	// Feedback: rating outside 1..5 is rejected, first valid write 204,
	// second 409.
	resp, _ = e.do(t, http.MethodPost, "/api/v1/fixes/"+fixID+"/feedback", "tok-alice",
		map[string]interface{}{"rating": 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/fixes/"+fixID+"/feedback", "tok-alice",
		map[string]interface{}{"rating": 5, "comment": "passt"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, raw = e.do(t, http.MethodPost, "/api/v1/fixes/"+fixID+"/feedback", "tok-alice",
		map[string]interface{}{"rating": 1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict errorBody
	require.NoError(t, json.Unmarshal(raw, &conflict))
	assert.Equal(t, "feedback_exists", conflict.Error.Code)

	// Export needs the consent acknowledgment first.
	resp, _ = e.do(t, http.MethodPost, "/api/v1/fixes/"+fixID+"/export", "tok-alice", nil)
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/consent", "tok-alice",
		map[string]string{"scan_id": seeded.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, raw = e.do(t, http.MethodPost, "/api/v1/fixes/"+fixID+"/export", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "impressum.html")

	// The download consumed one export unit.
	resp, raw = e.do(t, http.MethodGet, "/api/v1/quota", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage quota.Usage
	require.NoError(t, json.Unmarshal(raw, &usage))
	assert.Equal(t, 1, usage.ExportsUsed)

	// Foreign users cannot touch alice's fixes.
	resp, _ = e.do(t, http.MethodPost, "/api/v1/fixes/"+fixID+"/export", "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQuotaEndpoint(t *testing.T) {
	e := newEnv(t)
	resp, raw := e.do(t, http.MethodGet, "/api/v1/quota", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage quota.Usage
	require.NoError(t, json.Unmarshal(raw, &usage))
	assert.Equal(t, "free", usage.Plan)
	assert.Equal(t, 10, usage.ScanLimit)
	assert.Equal(t, 0, usage.ScansUsed)
	assert.Equal(t, 10, usage.ExportLimit)
	assert.Equal(t, 0, usage.ExportsUsed)
}
