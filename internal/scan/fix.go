package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"

	"konform/internal/config"
	"konform/internal/errs"
	"konform/internal/fix"
	"konform/internal/logging"
	"konform/internal/quota"
	"konform/internal/report"
	"konform/internal/store"
)

// FixRequest asks for generated fixes on a finished scan.
type FixRequest struct {
	UserID   string
	ScanID   string
	IssueIDs []string // empty: every fixable issue
	Company  report.CompanyInfo
}

// FixBundle is a generation result plus its idempotency identity.
type FixBundle struct {
	Key    string       `json:"idempotency_key"`
	Cached bool         `json:"cached"`
	Fixes  []report.Fix `json:"fixes"`
}

// cacheEntry pins a bundle to its generation time so the in-memory
// cache honors the same TTL the store-backed lookup does implicitly.
type cacheEntry struct {
	bundle  FixBundle
	created time.Time
}

// Fixer turns scan findings into remediation artifacts, with quota
// accounting and idempotent replay of repeated requests.
type Fixer struct {
	cfg    *config.Config
	gen    *fix.Generator
	store  *store.Store
	ledger *quota.Ledger
	cache  *lru.Cache
	llmSem *semaphore.Weighted
	now    func() time.Time
}

// NewFixer wires a fixer. The cache size and replay TTL come from the
// scan config.
func NewFixer(cfg *config.Config, gen *fix.Generator, st *store.Store, ledger *quota.Ledger) (*Fixer, error) {
	size := cfg.Scan.IdempotencySize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errs.E(errs.Internal, "scan.NewFixer", err)
	}
	slots := cfg.Scan.LLMSlots
	if slots <= 0 {
		slots = 8
	}
	return &Fixer{
		cfg:    cfg,
		gen:    gen,
		store:  st,
		ledger: ledger,
		cache:  cache,
		llmSem: semaphore.NewWeighted(slots),
		now:    time.Now,
	}, nil
}

// Generate produces fixes for the requested issues. Replaying the same
// request within the idempotency window returns the stored bundle
// without spending quota again. Partial success is possible: fixes
// generated before a quota exhaustion are kept and returned alongside
// the error-free portion of the bundle.
func (f *Fixer) Generate(ctx context.Context, req FixRequest) (*FixBundle, error) {
	scan, err := f.store.GetScan(ctx, req.ScanID)
	if err != nil {
		return nil, err
	}
	if scan.UserID != req.UserID {
		return nil, errs.Errorf(errs.PermissionDenied, "scan.Generate",
			"scan %s does not belong to user %s", req.ScanID, req.UserID)
	}
	if scan.Status != report.StatusDone {
		return nil, errs.Errorf(errs.InvalidInput, "scan.Generate",
			"scan %s is %s, fixes need a finished scan", req.ScanID, scan.Status)
	}

	issues, err := selectIssues(scan, req.IssueIDs)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, errs.Errorf(errs.InvalidInput, "scan.Generate",
			"scan %s has no fixable issues to generate for", req.ScanID)
	}

	key := idempotencyKey(req.UserID, req.ScanID, issues, req.Company)

	if bundle, ok := f.replay(ctx, req.ScanID, key); ok {
		_ = f.ledger.Audit(ctx, req.UserID, "fixes_cache_hit", req.ScanID, "key="+key)
		logging.Info(logging.CategoryFix, "fix bundle %s replayed for scan %s", key, req.ScanID)
		return bundle, nil
	}

	bundle := &FixBundle{Key: key}
	var quotaErr error
	for _, issue := range issues {
		if err := f.ledger.Reserve(ctx, req.UserID, quota.ResourceFix); err != nil {
			quotaErr = err
			break
		}
		generated, err := f.forIssue(ctx, scan, issue, req.Company)
		if err != nil {
			// The unit was spent on an attempt that produced nothing.
			_ = f.ledger.Refund(ctx, req.UserID, quota.ResourceFix)
			logging.Warn(logging.CategoryFix, "fix for %s failed: %v", issue.ID, err)
			continue
		}
		if err := f.store.SaveFix(ctx, generated, key); err != nil {
			return nil, err
		}
		bundle.Fixes = append(bundle.Fixes, *generated)
	}

	if len(bundle.Fixes) == 0 && quotaErr != nil {
		return nil, quotaErr
	}

	f.cache.Add(key, cacheEntry{bundle: *bundle, created: f.now()})
	_ = f.ledger.Audit(ctx, req.UserID, "fixes_generated", req.ScanID,
		"count="+strconv.Itoa(len(bundle.Fixes)))
	logging.Info(logging.CategoryFix, "generated %d fixes for scan %s", len(bundle.Fixes), req.ScanID)

	if quotaErr != nil {
		// Partial bundle: the caller gets what was produced and the
		// reason the rest is missing.
		return bundle, quotaErr
	}
	return bundle, nil
}

// forIssue runs one generation under the model concurrency cap.
func (f *Fixer) forIssue(ctx context.Context, scan *report.Scan, issue report.Issue, info report.CompanyInfo) (*report.Fix, error) {
	if err := f.llmSem.Acquire(ctx, 1); err != nil {
		return nil, errs.E(errs.Cancelled, "scan.forIssue", err)
	}
	defer f.llmSem.Release(1)
	return f.gen.ForIssue(ctx, scan, issue, info)
}

// replay answers a repeated request from cache or store.
func (f *Fixer) replay(ctx context.Context, scanID, key string) (*FixBundle, bool) {
	ttl := 24 * time.Hour
	if d, err := f.cfg.Scan.IdempotencyTTLDuration(); err == nil && d > 0 {
		ttl = d
	}

	if v, ok := f.cache.Get(key); ok {
		entry := v.(cacheEntry)
		if f.now().Sub(entry.created) < ttl {
			bundle := entry.bundle
			bundle.Cached = true
			return &bundle, true
		}
		f.cache.Remove(key)
	}

	fixes, err := f.store.FixesByKey(ctx, scanID, key)
	if err != nil || len(fixes) == 0 {
		return nil, false
	}
	fresh := fixes[:0]
	cutoff := f.now().Add(-ttl)
	for _, fx := range fixes {
		if fx.CreatedAt.After(cutoff) {
			fresh = append(fresh, fx)
		}
	}
	if len(fresh) == 0 {
		return nil, false
	}
	return &FixBundle{Key: key, Cached: true, Fixes: fresh}, true
}

// selectIssues resolves the requested issue IDs against the scan, or
// every fix-available issue when none are named.
func selectIssues(scan *report.Scan, ids []string) ([]report.Issue, error) {
	all := scan.AllIssues()
	if len(ids) == 0 {
		var out []report.Issue
		for _, issue := range all {
			if issue.FixAvailable {
				out = append(out, issue)
			}
		}
		return out, nil
	}

	byID := make(map[string]report.Issue, len(all))
	for _, issue := range all {
		byID[issue.ID] = issue
	}
	out := make([]report.Issue, 0, len(ids))
	for _, id := range ids {
		issue, ok := byID[id]
		if !ok {
			return nil, errs.Errorf(errs.NotFound, "scan.Generate",
				"issue %s not found in scan %s", id, scan.ID)
		}
		out = append(out, issue)
	}
	return out, nil
}

// idempotencyKey hashes the request identity: same user, same scan,
// same issues, same company data means the same artifacts.
func idempotencyKey(userID, scanID string, issues []report.Issue, info report.CompanyInfo) string {
	ids := make([]string, len(issues))
	for i, issue := range issues {
		ids[i] = issue.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(scanID))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	if raw, err := json.Marshal(info); err == nil {
		h.Write([]byte{0})
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
