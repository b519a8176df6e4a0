package fetch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"konform/internal/config"
	"konform/internal/errs"
	"konform/internal/logging"
)

// Renderer executes a page in a browser and returns the live DOM plus
// the page's observable behavior. Tests substitute a fake.
type Renderer interface {
	Render(ctx context.Context, url string) (*RenderResult, error)
	Close() error
}

// RodRenderer drives a shared headless Chrome. Each render gets a
// fresh incognito context so cookies and storage never leak between
// scans.
type RodRenderer struct {
	cfg        config.BrowserConfig
	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// NewRodRenderer prepares a renderer; Chrome launches lazily on the
// first render.
func NewRodRenderer(cfg config.BrowserConfig) *RodRenderer {
	return &RodRenderer{cfg: cfg}
}

func (r *RodRenderer) ensureStarted(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		logging.Warn(logging.CategoryBrowser, "stale browser connection, relaunching")
		_ = r.browser.Close()
		r.browser = nil
	}

	launch := launcher.New().Headless(r.cfg.Headless)
	if r.cfg.Bin != "" {
		launch = launch.Bin(r.cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return errs.Errorf(errs.RenderFailure, "browser.Launch", "launching chrome: %v", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return errs.Errorf(errs.RenderFailure, "browser.Connect", "connecting to chrome: %v", err)
	}

	r.browser = browser
	r.controlURL = controlURL
	logging.Info(logging.CategoryBrowser, "headless chrome ready")
	return nil
}

// Close shuts the browser down. In-flight renders fail.
func (r *RodRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}

// networkLog counts in-flight requests so the renderer can wait for
// the page to go quiet instead of sleeping a fixed interval.
type networkLog struct {
	mu       sync.Mutex
	requests []NetworkRequest
	inflight int
	lastSeen time.Time
}

func (l *networkLog) started(req NetworkRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	l.inflight++
	l.lastSeen = time.Now()
}

func (l *networkLog) finished() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		l.inflight--
	}
	l.lastSeen = time.Now()
}

func (l *networkLog) idleSince(d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight == 0 && time.Since(l.lastSeen) >= d
}

func (l *networkLog) snapshot() []NetworkRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NetworkRequest, len(l.requests))
	copy(out, l.requests)
	return out
}

const networkIdleWindow = 500 * time.Millisecond

// Render navigates to the URL, waits for network idle (or the hard
// cap), and snapshots DOM, cookies, localStorage, the request log and
// computed text styles. Everything captured predates any consent
// interaction — the renderer never clicks.
func (r *RodRenderer) Render(ctx context.Context, url string) (*RenderResult, error) {
	const op = "browser.Render"

	if err := r.ensureStarted(ctx); err != nil {
		return nil, err
	}

	timeout, err := r.cfg.RenderTimeoutDuration()
	if err != nil {
		return nil, errs.E(errs.InvalidInput, op, err)
	}

	start := time.Now()

	r.mu.Lock()
	browser := r.browser
	r.mu.Unlock()

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, errs.Errorf(errs.RenderFailure, op, "incognito context: %v", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, errs.Errorf(errs.RenderFailure, op, "create page: %v", err)
	}
	defer func() { _ = page.Close() }()

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             r.cfg.ViewportW,
		Height:            r.cfg.ViewportH,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.Warn(logging.CategoryBrowser, "viewport override failed: %v", err)
	}

	log := &networkLog{lastSeen: time.Now()}
	eventCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()

	wait := page.Context(eventCtx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			initiator := ""
			if ev.Initiator != nil {
				initiator = string(ev.Initiator.Type)
			}
			log.started(NetworkRequest{
				URL:          ev.Request.URL,
				Method:       ev.Request.Method,
				ResourceType: string(ev.Type),
				Initiator:    initiator,
			})
		},
		func(ev *proto.NetworkLoadingFinished) { log.finished() },
		func(ev *proto.NetworkLoadingFailed) { log.finished() },
	)
	go wait()

	if err := page.Context(ctx).Timeout(timeout).Navigate(url); err != nil {
		return nil, errs.Errorf(errs.RenderFailure, op, "navigate %s: %v", url, err)
	}

	// Network idle: no in-flight request for the idle window, bounded
	// by the hard render cap.
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
idle:
	for {
		select {
		case <-ctx.Done():
			return nil, errs.E(errs.Cancelled, op, ctx.Err())
		case <-deadline:
			logging.Debug(logging.CategoryBrowser, "render hit hard cap for %s, snapshotting anyway", url)
			break idle
		case <-ticker.C:
			if log.idleSince(networkIdleWindow) {
				break idle
			}
		}
	}

	result := &RenderResult{
		Requests:     log.snapshot(),
		LocalStorage: map[string]string{},
	}

	htmlStr, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, errs.Errorf(errs.RenderFailure, op, "serialize DOM: %v", err)
	}
	result.HTML = htmlStr

	if info, err := page.Info(); err == nil {
		result.FinalURL = info.URL
	}

	if cookiesRes, err := (proto.NetworkGetCookies{}).Call(page); err == nil {
		for _, c := range cookiesRes.Cookies {
			result.Cookies = append(result.Cookies, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			})
		}
	} else {
		logging.Warn(logging.CategoryBrowser, "cookie snapshot failed: %v", err)
	}

	result.LocalStorage = snapshotLocalStorage(page)
	result.Styles = snapshotStyles(page)
	result.Elapsed = time.Since(start)

	logging.Debug(logging.CategoryBrowser, "rendered %s: %d requests, %d cookies, %d styled nodes in %v",
		url, len(result.Requests), len(result.Cookies), len(result.Styles), result.Elapsed)
	return result, nil
}

func snapshotLocalStorage(page *rod.Page) map[string]string {
	out := map[string]string{}
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try {
				const out = {};
				for (const key of Object.keys(localStorage)) {
					out[key] = localStorage.getItem(key);
				}
				return JSON.stringify(out);
			} catch (e) {
				return "{}";
			}
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return out
	}
	_ = json.Unmarshal([]byte(res.Value.String()), &out)
	return out
}

// snapshotStyles samples the computed color pair for every visible
// text-bearing element. The walk is budget-bound so pathological pages
// cannot stall the render.
func snapshotStyles(page *rod.Page) []ComputedStyle {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			const out = [];
			const path = (el) => {
				const parts = [];
				for (let cur = el; cur && cur.nodeType === 1 && parts.length < 5; cur = cur.parentElement) {
					let part = cur.tagName.toLowerCase();
					if (cur.id) { parts.unshift(part + '#' + cur.id); break; }
					if (cur.classList.length) part += '.' + cur.classList[0];
					parts.unshift(part);
				}
				return parts.join(' > ');
			};
			const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
			const seen = new Set();
			let node;
			while ((node = walker.nextNode()) && out.length < 400) {
				const text = node.textContent.trim();
				if (!text) continue;
				const el = node.parentElement;
				if (!el || seen.has(el)) continue;
				seen.add(el);
				const tag = el.tagName;
				if (tag === 'SCRIPT' || tag === 'STYLE' || tag === 'NOSCRIPT') continue;
				const cs = getComputedStyle(el);
				if (cs.display === 'none' || cs.visibility === 'hidden') continue;
				let bg = 'rgba(0, 0, 0, 0)';
				for (let cur = el; cur; cur = cur.parentElement) {
					const b = getComputedStyle(cur).backgroundColor;
					if (b && b !== 'rgba(0, 0, 0, 0)' && b !== 'transparent') { bg = b; break; }
				}
				out.push({
					path: path(el),
					color: cs.color,
					background: bg,
					fontSize: cs.fontSize,
					fontWeight: cs.fontWeight,
					text: text.slice(0, 80),
				});
			}
			return JSON.stringify(out);
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return nil
	}

	var styles []ComputedStyle
	if err := json.Unmarshal([]byte(res.Value.String()), &styles); err != nil {
		logging.Warn(logging.CategoryBrowser, "decoding style snapshot: %v", err)
		return nil
	}
	return styles
}
