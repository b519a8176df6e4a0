// Package scan orchestrates a full compliance scan: quota reservation,
// fetch, render escalation, service classification, the four pillar
// checks in parallel, legal overlay, scoring, and persistence.
package scan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"konform/internal/catalog"
	"konform/internal/checks"
	"konform/internal/checks/a11y"
	"konform/internal/checks/cookie"
	"konform/internal/checks/imprint"
	"konform/internal/checks/privacy"
	"konform/internal/classify"
	"konform/internal/config"
	"konform/internal/errs"
	"konform/internal/fetch"
	"konform/internal/legal"
	"konform/internal/logging"
	"konform/internal/quota"
	"konform/internal/report"
	"konform/internal/score"
	"konform/internal/store"
)

// Orchestrator runs scans end to end.
type Orchestrator struct {
	cfg      *config.Config
	fetcher  *fetch.StaticFetcher
	renderer fetch.Renderer // nil: static-only deployment
	catalog  *catalog.Manager
	overlay  *legal.Overlay // nil: no legal source configured
	ledger   *quota.Ledger
	store    *store.Store
	fixer    *Fixer

	checkers  []checks.Checker
	renderSem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]int // running scans per user
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	Fetcher  *fetch.StaticFetcher
	Renderer fetch.Renderer
	Catalog  *catalog.Manager
	Overlay  *legal.Overlay
	Ledger   *quota.Ledger
	Store    *store.Store
	Fixer    *Fixer
}

// New wires an orchestrator.
func New(d Deps) *Orchestrator {
	slots := d.Config.Scan.RenderSlots
	if slots <= 0 {
		slots = 4
	}
	return &Orchestrator{
		cfg:      d.Config,
		fetcher:  d.Fetcher,
		renderer: d.Renderer,
		catalog:  d.Catalog,
		overlay:  d.Overlay,
		ledger:   d.Ledger,
		store:    d.Store,
		fixer:    d.Fixer,
		checkers: []checks.Checker{
			imprint.New(),
			privacy.New(),
			cookie.New(),
			a11y.New(),
		},
		renderSem: semaphore.NewWeighted(slots),
		inflight:  make(map[string]int),
	}
}

// acquireSlot enforces the per-user concurrency cap.
func (o *Orchestrator) acquireSlot(userID string) error {
	max := o.cfg.Scan.MaxPerUser
	if max <= 0 {
		max = 2
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[userID] >= max {
		return errs.Errorf(errs.Busy, "scan.Run",
			"user %s already has %d scans running", userID, o.inflight[userID])
	}
	o.inflight[userID]++
	return nil
}

func (o *Orchestrator) releaseSlot(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[userID] > 0 {
		o.inflight[userID]--
	}
}

// Run executes one scan synchronously. Unreachable targets produce a
// persisted failed scan, not an error; the caller gets an error only
// for request-level problems (bad URL, quota, concurrency).
func (o *Orchestrator) Run(ctx context.Context, userID, rawURL string) (*report.Scan, error) {
	target, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	if d, err := o.cfg.Scan.TotalTimeoutDuration(); err == nil && d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	scan := &report.Scan{
		ID:           uuid.NewString(),
		UserID:       userID,
		URL:          target.String(),
		RequestedURL: rawURL,
		Status:       report.StatusRunning,
		StartedAt:    time.Now().UTC(),
		RenderMode:   report.RenderStatic,
	}
	return o.runEnvelope(ctx, scan)
}

// runEnvelope admits and executes a prepared scan envelope. An error
// return means the scan was never admitted (concurrency or quota);
// pipeline failures are folded into the persisted envelope instead.
func (o *Orchestrator) runEnvelope(ctx context.Context, scan *report.Scan) (*report.Scan, error) {
	userID := scan.UserID
	if err := o.acquireSlot(userID); err != nil {
		return nil, err
	}
	defer o.releaseSlot(userID)

	if err := o.ledger.Reserve(ctx, userID, quota.ResourceScan); err != nil {
		return nil, err
	}

	scan.Status = report.StatusRunning
	scan.StartedAt = time.Now().UTC()
	_ = o.ledger.Audit(ctx, userID, "scan_started", scan.ID, scan.URL)
	logging.Info(logging.CategoryScan, "scan %s: %s (user %s)", scan.ID, scan.URL, userID)

	if err := o.execute(ctx, scan); err != nil {
		scan.Status = report.StatusFailed
		scan.Error = errs.CodeOf(err)
		scan.FinishedAt = time.Now().UTC()
		scan.Stats.TotalMillis = scan.FinishedAt.Sub(scan.StartedAt).Milliseconds()
		scan.Score = 0
		scan.Pillars = uncheckedPillars()
		if errs.Is(err, errs.Unreachable) {
			// Imprint leads the canonical pillar order; the one
			// synthetic finding a dead target yields hangs there.
			scan.Pillars[0].Issues = []report.Issue{unreachableIssue(scan.ID)}
		}
		scan.TotalRiskEuro = scan.TotalRisk()
		// The attempt spent the quota unit; failed scans still count.
		_ = o.ledger.Audit(ctx, userID, "scan_failed", scan.ID, scan.Error)
		if saveErr := o.store.SaveScan(ctx, scan); saveErr != nil {
			logging.Error(logging.CategoryScan, "scan %s: persisting failed scan: %v", scan.ID, saveErr)
		}
		logging.Warn(logging.CategoryScan, "scan %s failed: %v", scan.ID, err)
		return scan, nil
	}

	scan.Status = report.StatusDone
	scan.FinishedAt = time.Now().UTC()
	scan.Stats.TotalMillis = scan.FinishedAt.Sub(scan.StartedAt).Milliseconds()
	if err := o.store.SaveScan(ctx, scan); err != nil {
		return nil, err
	}
	_ = o.ledger.Audit(ctx, userID, "scan_finished", scan.ID,
		fmt.Sprintf("score=%d issues=%d", scan.Score, len(scan.AllIssues())))
	logging.Info(logging.CategoryScan, "scan %s done: score %d, %d issues, %s mode",
		scan.ID, scan.Score, len(scan.AllIssues()), scan.RenderMode)
	return scan, nil
}

// StartScan launches a scan in the background and returns its ID
// immediately. Only URL validation happens on submit; admission
// failures (concurrency, quota) surface on the stored scan envelope.
func (o *Orchestrator) StartScan(ctx context.Context, userID, rawURL string) (string, error) {
	target, err := fetch.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	scan := &report.Scan{
		ID:           uuid.NewString(),
		UserID:       userID,
		URL:          target.String(),
		RequestedURL: rawURL,
		Status:       report.StatusQueued,
		StartedAt:    time.Now().UTC(),
		RenderMode:   report.RenderStatic,
	}
	if err := o.store.SaveScan(ctx, scan); err != nil {
		return "", err
	}

	timeout := 60 * time.Second
	if d, err := o.cfg.Scan.TotalTimeoutDuration(); err == nil && d > 0 {
		timeout = d
	}
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := o.runEnvelope(bctx, scan); err != nil {
			logging.Warn(logging.CategoryScan, "scan %s rejected: %v", scan.ID, err)
			scan.Status = report.StatusFailed
			scan.Error = errs.CodeOf(err)
			scan.FinishedAt = time.Now().UTC()
			scan.Pillars = uncheckedPillars()
			_ = o.store.SaveScan(bctx, scan)
		}
	}()
	return scan.ID, nil
}

// GetScan loads a stored scan, refusing access across users.
func (o *Orchestrator) GetScan(ctx context.Context, userID, scanID string) (*report.Scan, error) {
	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan.UserID != userID {
		return nil, errs.Errorf(errs.PermissionDenied, "scan.GetScan",
			"scan %s does not belong to user %s", scanID, userID)
	}
	return scan, nil
}

// uncheckedPillars marks every pillar unevaluated, the shape failed
// scans report.
func uncheckedPillars() []report.PillarResult {
	out := make([]report.PillarResult, len(report.Pillars))
	for i, p := range report.Pillars {
		out[i] = report.PillarResult{Pillar: p}
	}
	return out
}

// execute performs the pipeline on an initialized envelope.
func (o *Orchestrator) execute(ctx context.Context, scan *report.Scan) error {
	target, err := o.gather(ctx, scan)
	if err != nil {
		return err
	}

	o.runCheckers(ctx, scan, target)

	if o.overlay != nil {
		o.overlay.Apply(scan)
	}
	score.Apply(scan)

	for i := range scan.Pillars {
		report.SortIssues(scan.Pillars[i].Issues)
	}
	return nil
}

// gather fetches the page, escalates to the browser when needed, and
// classifies the third-party services it observes.
func (o *Orchestrator) gather(ctx context.Context, scan *report.Scan) (*checks.Target, error) {
	fetchStart := time.Now()
	static, err := o.fetcher.Fetch(ctx, scan.URL)
	if err != nil {
		return nil, err
	}
	scan.Stats.FetchMillis = time.Since(fetchStart).Milliseconds()
	scan.Stats.BytesFetched = static.Bytes
	if !static.OK() {
		return nil, errs.Errorf(errs.Unreachable, "scan.gather",
			"%s answered %d", scan.URL, static.Status)
	}
	scan.URL = static.FinalURL

	doc, err := parseDoc(static.Body)
	if err != nil {
		return nil, errs.E(errs.Unreachable, "scan.gather", err)
	}

	var render *fetch.RenderResult
	if o.renderer != nil && fetch.NeedsRender(doc) {
		render = o.render(ctx, scan)
		if render != nil {
			if rdoc, err := parseDoc(render.HTML); err == nil {
				doc = rdoc
				scan.RenderMode = report.RenderHeadless
				scan.URL = render.FinalURL
				scan.Stats.RequestsSeen = len(render.Requests)
			} else {
				render = nil
			}
		}
	}

	pageURL, err := fetch.NormalizeURL(scan.URL)
	if err != nil {
		return nil, err
	}

	snap := o.catalog.Snapshot()
	obs := classify.BuildObservations(pageURL, doc, static, render)
	services := classify.Classify(snap, obs)
	scan.Services = services

	pages := fetch.NewPageCache(o.fetcher, pageURL, o.cfg.Scan.MaxSubpages)

	return &checks.Target{
		ScanID:   scan.ID,
		URL:      pageURL,
		Doc:      doc,
		RawHTML:  static.Body,
		Static:   static,
		Render:   render,
		Pages:    pages,
		Services: services,
		Catalog:  snap,
	}, nil
}

// render runs the headless browser under the global session cap. A
// render failure is not fatal; the scan continues on static evidence.
func (o *Orchestrator) render(ctx context.Context, scan *report.Scan) *fetch.RenderResult {
	if err := o.renderSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer o.renderSem.Release(1)

	start := time.Now()
	render, err := o.renderer.Render(ctx, scan.URL)
	scan.Stats.RenderMillis = time.Since(start).Milliseconds()
	if err != nil {
		logging.Warn(logging.CategoryScan, "scan %s: render failed, continuing static: %v", scan.ID, err)
		return nil
	}
	return render
}

// runCheckers fans the four pillars out in parallel. A checker error
// marks its pillar partial with an explanatory finding; it never sinks
// the scan.
func (o *Orchestrator) runCheckers(ctx context.Context, scan *report.Scan, target *checks.Target) {
	checkTimeout := 20 * time.Second
	if d, err := o.cfg.Scan.CheckTimeoutDuration(); err == nil && d > 0 {
		checkTimeout = d
	}

	start := time.Now()
	results := make([]report.PillarResult, len(o.checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, checker := range o.checkers {
		i, checker := i, checker
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()

			pr := report.PillarResult{Pillar: checker.Pillar(), Checked: true}
			issues, err := checker.Check(cctx, target)
			if err != nil {
				logging.Warn(logging.CategoryScan, "scan %s: %s check incomplete: %v",
					scan.ID, checker.Pillar(), err)
				pr.Partial = true
				issues = append(issues, partialIssue(scan.ID, checker.Pillar()))
			}
			pr.Issues = issues
			results[i] = pr
			return nil
		})
	}
	_ = g.Wait() // checker errors are absorbed above
	scan.Pillars = results
	scan.Stats.ChecksMillis = time.Since(start).Milliseconds()
	scan.Stats.SubpagesLoaded = target.Pages.Loaded()
}

// partialIssue tells the user a pillar's findings are incomplete
// without guessing at what was missed. It carries warning weight so a
// half-analyzed pillar never grades as clean.
func partialIssue(scanID string, pillar report.Pillar) report.Issue {
	locator := string(pillar) + ":partial"
	return report.Issue{
		ID:          report.NewIssueID(scanID, pillar, locator),
		Pillar:      pillar,
		Severity:    report.SeverityHigh,
		Title:       fmt.Sprintf("Partial analysis: %s", pillar),
		Description: "The check did not finish; listed findings are a lower bound. Re-run the scan to get full coverage.",
		LegalBasis:  "—",
		RiskEuro:    0,
		Locator:     locator,
		Confidence:  1.0,
	}
}

// unreachableIssue is the single synthetic finding a target that never
// answered with a usable page produces.
func unreachableIssue(scanID string) report.Issue {
	const locator = "site:unreachable"
	return report.Issue{
		ID:          report.NewIssueID(scanID, report.PillarImprint, locator),
		Pillar:      report.PillarImprint,
		Severity:    report.SeverityCritical,
		Title:       "Site unreachable",
		Description: "The site did not answer with a usable page, so none of the checks could run. Verify the URL, DNS and server status, then scan again.",
		LegalBasis:  "—",
		RiskEuro:    3000,
		Locator:     locator,
		Confidence:  1.0,
	}
}

func parseDoc(body string) (*html.Node, error) {
	if body == "" {
		return nil, fmt.Errorf("empty document")
	}
	return html.Parse(strings.NewReader(body))
}
