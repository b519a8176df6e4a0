package main

import (
	"context"
	"os"
	"path/filepath"

	"konform/internal/catalog"
	"konform/internal/config"
	"konform/internal/fetch"
	"konform/internal/fix"
	"konform/internal/legal"
	"konform/internal/llm"
	"konform/internal/logging"
	"konform/internal/quota"
	"konform/internal/scan"
	"konform/internal/store"
)

// app is the wired object graph behind every subcommand.
type app struct {
	cfg      *config.Config
	catalog  *catalog.Manager
	store    *store.Store
	ledger   *quota.Ledger
	orch     *scan.Orchestrator
	fixer    *scan.Fixer
	renderer fetch.Renderer
	model    llm.Client
	legalSrc legal.Source
}

// buildApp assembles the scanner. withBrowser controls whether a
// headless Chrome renderer is attached for escalation.
func buildApp(ctx context.Context, withBrowser bool) (*app, error) {
	fetcher, err := fetch.NewStaticFetcher(cfg.Fetch)
	if err != nil {
		return nil, err
	}
	mgr, err := catalog.NewManager(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, err
	}
	ledger, err := quota.Open(cfg.Quota.DBPath, cfg.Quota.DefaultPlan)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, catalog: mgr, store: st, ledger: ledger}

	if withBrowser {
		a.renderer = fetch.NewRodRenderer(cfg.Browser)
	}

	overlay, src, err := buildOverlay(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.legalSrc = src

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	model, err := llm.FromConfig(apiKey, cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.model = model

	a.fixer, err = scan.NewFixer(cfg, fix.New(model), st, ledger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = scan.New(scan.Deps{
		Config:   cfg,
		Fetcher:  fetcher,
		Renderer: a.renderer,
		Catalog:  mgr,
		Overlay:  overlay,
		Ledger:   ledger,
		Store:    st,
		Fixer:    a.fixer,
	})
	return a, nil
}

// buildOverlay loads the configured legal-update source, if any.
func buildOverlay(ctx context.Context) (*legal.Overlay, legal.Source, error) {
	var src legal.Source
	switch cfg.Legal.Source {
	case "yaml":
		src = legal.NewYAMLSource(cfg.Legal.Path)
	case "sqlite":
		s, err := legal.OpenSQLiteSource(cfg.Legal.Path)
		if err != nil {
			return nil, nil, err
		}
		src = s
	case "", "off":
		return nil, nil, nil
	default:
		logging.Warn(logging.CategoryLegal, "unknown legal source %q, overlay disabled", cfg.Legal.Source)
		return nil, nil, nil
	}

	overlay := legal.New(src, cfg.Legal.WindowDays)
	if err := overlay.Refresh(ctx); err != nil {
		return nil, nil, err
	}
	return overlay, src, nil
}

func (a *app) Close() {
	if a.model != nil {
		a.model.Close()
	}
	if a.legalSrc != nil {
		a.legalSrc.Close()
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
