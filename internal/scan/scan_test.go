package scan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/catalog"
	"konform/internal/config"
	"konform/internal/errs"
	"konform/internal/fetch"
	"konform/internal/fix"
	"konform/internal/llm"
	"konform/internal/quota"
	"konform/internal/report"
	"konform/internal/store"
)

const cleanPage = `<!DOCTYPE html>
<html lang="de">
<head><meta charset="utf-8"><title>Beispiel GmbH</title></head>
<body>
<h1>Willkommen</h1>
<main><p>Wir bauen Software.</p></main>
<nav>
  <a href="/impressum">Impressum</a>
  <a href="/datenschutz">Datenschutz</a>
</nav>
</body>
</html>`

const imprintPage = `<!DOCTYPE html>
<html lang="de"><head><title>Impressum</title></head><body>
<h1>Impressum</h1>
<p>Beispiel GmbH<br>Hauptstraße 12<br>10115 Berlin</p>
<p>Vertreten durch: Erika Beispiel</p>
<p>Telefon: +49 30 1234567<br>E-Mail: info@beispiel.de</p>
<p>Handelsregister: Amtsgericht Berlin-Charlottenburg, HRB 123456</p>
<p>Umsatzsteuer-ID: DE123456789</p>
<p>Verantwortlich gemäß § 18 Abs. 2 MStV: Erika Beispiel</p>
</body></html>`

const privacyPage = `<!DOCTYPE html>
<html lang="de"><head><title>Datenschutzerklärung</title></head><body>
<h1>Datenschutzerklärung</h1>
<p>Verantwortlicher im Sinne der DSGVO: Beispiel GmbH, Hauptstraße 12, 10115 Berlin.</p>
<p>Zwecke der Verarbeitung: Bereitstellung der Website und Beantwortung von Anfragen.</p>
<p>Rechtsgrundlage ist Art. 6 Abs. 1 lit. f DSGVO (berechtigtes Interesse).</p>
<p>Speicherdauer: Server-Logs werden nach 14 Tagen gelöscht.</p>
<p>Ihre Rechte: Sie haben das Recht auf Auskunft, Berichtigung, Löschung,
Einschränkung der Verarbeitung, Datenübertragbarkeit und Widerspruch.</p>
<p>Beschwerderecht: Sie können sich bei einer Datenschutz-Aufsichtsbehörde beschweren.</p>
<p>Datenschutzbeauftragter: datenschutz@beispiel.de</p>
</body></html>`

// newTestServer serves a small compliant site.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(cleanPage))
	})
	mux.HandleFunc("/impressum", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(imprintPage))
	})
	mux.HandleFunc("/datenschutz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(privacyPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOrchestrator(t *testing.T) *Orchestrator {
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

	gen := fix.New(llm.Disabled{})
	fixer, err := NewFixer(cfg, gen, st, ledger)
	require.NoError(t, err)

	return New(Deps{
		Config:  cfg,
		Fetcher: fetcher,
		Catalog: mgr,
		Ledger:  ledger,
		Store:   st,
		Fixer:   fixer,
	})
}

func TestRunCompliantSite(t *testing.T) {
	srv := newTestServer(t)
	o := newOrchestrator(t)

	scan, err := o.Run(context.Background(), "alice", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, report.StatusDone, scan.Status)
	assert.Equal(t, report.RenderStatic, scan.RenderMode)
	assert.Len(t, scan.Pillars, 4)
	for _, pr := range scan.Pillars {
		assert.True(t, pr.Checked, "pillar %s", pr.Pillar)
		assert.False(t, pr.Partial, "pillar %s", pr.Pillar)
	}
	// No tracking services, complete imprint and privacy pages.
	assert.Equal(t, 100, scan.Pillar(report.PillarImprint).Score)
	assert.Equal(t, 100, scan.Pillar(report.PillarPrivacy).Score)
	assert.Equal(t, 100, scan.Pillar(report.PillarCookies).Score)

	// Persisted under the same ID.
	stored, err := o.store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.Score, stored.Score)
}

func TestRunIsDeterministic(t *testing.T) {
	srv := newTestServer(t)
	o := newOrchestrator(t)
	ctx := context.Background()

	first, err := o.Run(ctx, "alice", srv.URL)
	require.NoError(t, err)
	second, err := o.Run(ctx, "alice", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)

	// Identical inputs, identical report modulo run identity.
	diff := cmp.Diff(first, second,
		cmpopts.IgnoreFields(report.Scan{}, "ID", "StartedAt", "FinishedAt", "Stats"),
		cmpopts.IgnoreFields(report.Issue{}, "ID"),
	)
	assert.Empty(t, diff)
}

func TestRunUnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	o := newOrchestrator(t)
	ctx := context.Background()

	scan, err := o.Run(ctx, "alice", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, scan.Status)
	assert.Equal(t, "target_unreachable", scan.Error)
	assert.False(t, scan.FinishedAt.IsZero())
	assert.Equal(t, 0, scan.Score)
	require.Len(t, scan.Pillars, 4)
	for _, pr := range scan.Pillars {
		assert.False(t, pr.Checked)
	}

	// A dead target still explains itself: exactly one synthetic
	// critical finding, hung off the imprint pillar.
	all := scan.AllIssues()
	require.Len(t, all, 1)
	assert.Equal(t, report.PillarImprint, all[0].Pillar)
	assert.Equal(t, report.SeverityCritical, all[0].Severity)
	assert.Equal(t, "Site unreachable", all[0].Title)
	assert.Equal(t, 3000, all[0].RiskEuro)
	assert.GreaterOrEqual(t, scan.TotalRiskEuro, 3000)

	// The attempt still counts against the quota.
	usage, err := o.ledger.UsageOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.ScansUsed)

	// And it is still retrievable for the user.
	stored, err := o.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, stored.Status)
}

func TestRunRejectsBadURL(t *testing.T) {
	o := newOrchestrator(t)
	_, err := o.Run(context.Background(), "alice", "not a url")
	require.Error(t, err)
	assert.Equal(t, "invalid_input", errs.CodeOf(err))
}

func TestRunPerUserConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.Write([]byte(cleanPage))
	}))
	defer srv.Close()

	o := newOrchestrator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Run(ctx, "alice", srv.URL)
		}()
	}
	// Wait until both scans hold their slots.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("scans did not start")
		}
	}

	_, err := o.Run(ctx, "alice", srv.URL)
	require.Error(t, err)
	assert.Equal(t, "busy", errs.CodeOf(err))

	// A different user is unaffected by alice's slots (fails later on
	// fetch since the server blocks, but passes the concurrency gate).
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	wg.Wait()
}

func TestRunQuotaExhaustion(t *testing.T) {
	srv := newTestServer(t)
	o := newOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.ledger.SetPlan(ctx, "bob", "free")) // 10 scans
	for i := 0; i < 10; i++ {
		_, err := o.Run(ctx, "bob", srv.URL)
		require.NoError(t, err)
	}
	_, err := o.Run(ctx, "bob", srv.URL)
	require.Error(t, err)
	assert.Equal(t, "quota_exceeded", errs.CodeOf(err))
}

func TestStartScanAsync(t *testing.T) {
	srv := newTestServer(t)
	o := newOrchestrator(t)
	ctx := context.Background()

	id, err := o.StartScan(ctx, "alice", srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Queued envelope is visible immediately.
	scan, err := o.GetScan(ctx, "alice", id)
	require.NoError(t, err)
	assert.Contains(t, []report.ScanStatus{
		report.StatusQueued, report.StatusRunning, report.StatusDone,
	}, scan.Status)

	deadline := time.Now().Add(10 * time.Second)
	for {
		scan, err = o.GetScan(ctx, "alice", id)
		require.NoError(t, err)
		if scan.Status == report.StatusDone || scan.Status == report.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan stuck in %s", scan.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, report.StatusDone, scan.Status)
	assert.Len(t, scan.Pillars, 4)
}

func TestGetScanForeignUser(t *testing.T) {
	srv := newTestServer(t)
	o := newOrchestrator(t)
	ctx := context.Background()

	scan, err := o.Run(ctx, "alice", srv.URL)
	require.NoError(t, err)

	_, err = o.GetScan(ctx, "mallory", scan.ID)
	require.Error(t, err)
	assert.Equal(t, "permission_denied", errs.CodeOf(err))
}

func TestPartialIssueShape(t *testing.T) {
	issue := partialIssue("scan-1", report.PillarPrivacy)
	assert.Equal(t, report.SeverityHigh, issue.Severity)
	assert.Equal(t, "Partial analysis: privacy", issue.Title)
	assert.Equal(t, "privacy:partial", issue.Locator)
	assert.Zero(t, issue.RiskEuro)
}
