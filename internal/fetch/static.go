package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html/charset"

	"konform/internal/config"
	"konform/internal/errs"
	"konform/internal/logging"
)

// StaticFetcher performs plain HTTP fetches with redirect tracking,
// charset decoding and a single retry on transient failures.
type StaticFetcher struct {
	client       *http.Client
	userAgent    string
	maxBody      int64
	maxRedirects int
	allowPrivate bool
}

// NewStaticFetcher builds a fetcher from configuration.
func NewStaticFetcher(cfg config.FetchConfig) (*StaticFetcher, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, errs.Errorf(errs.InvalidInput, "fetch.NewStaticFetcher", "timeout: %v", err)
	}

	f := &StaticFetcher{
		userAgent:    cfg.UserAgent,
		maxBody:      cfg.MaxBodyBytes,
		maxRedirects: cfg.MaxRedirects,
		allowPrivate: cfg.AllowPrivate,
	}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > f.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", f.maxRedirects)
			}
			return nil
		},
	}
	return f, nil
}

// NormalizeURL validates a user-supplied target URL and fills in the
// https scheme when none is given.
func NormalizeURL(raw string) (*url.URL, error) {
	const op = "fetch.NormalizeURL"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.Errorf(errs.InvalidInput, op, "empty URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Errorf(errs.InvalidInput, op, "parsing %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errs.Errorf(errs.InvalidInput, op, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errs.Errorf(errs.InvalidInput, op, "URL has no host")
	}
	u.Fragment = ""
	return u, nil
}

// isPrivateHost rejects loopback, link-local and RFC1918 targets so a
// hosted scanner cannot be pointed at its own network.
func isPrivateHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") || strings.HasSuffix(h, ".local") || strings.HasSuffix(h, ".internal") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// Fetch retrieves the URL. Network-level failures come back as
// errs.Unreachable after one retry; HTTP error statuses are results,
// not errors — the orchestrator decides what a 404 means for the scan.
func (f *StaticFetcher) Fetch(ctx context.Context, rawURL string) (*StaticResult, error) {
	const op = "fetch.Static"

	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if !f.allowPrivate && isPrivateHost(u.Hostname()) {
		return nil, errs.Errorf(errs.InvalidInput, op, "target %s resolves to a private network", u.Hostname())
	}

	start := time.Now()
	var result *StaticResult

	attempt := func() error {
		res, err := f.fetchOnce(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err // transient: retry
		}
		if res.Status >= 500 {
			result = res
			return fmt.Errorf("server error %d", res.Status)
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx)); err != nil {
		if result != nil {
			// A 5xx answer after retry is still an answer.
			result.Elapsed = time.Since(start)
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, errs.E(errs.Cancelled, op, err)
		}
		logging.Warn(logging.CategoryFetch, "fetch %s failed: %v", u, err)
		return nil, errs.E(errs.Unreachable, op, err)
	}

	result.Elapsed = time.Since(start)
	logging.Debug(logging.CategoryFetch, "fetched %s: %d, %d bytes in %v", u, result.Status, result.Bytes, result.Elapsed)
	return result, nil
}

func (f *StaticFetcher) fetchOnce(ctx context.Context, u *url.URL) (*StaticResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.7")

	var redirects []string
	client := *f.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > f.maxRedirects {
			return fmt.Errorf("stopped after %d redirects", f.maxRedirects)
		}
		redirects = append(redirects, req.URL.String())
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, err
	}

	body := decodeBody(raw, resp.Header.Get("Content-Type"))

	res := &StaticResult{
		RequestedURL: u.String(),
		FinalURL:     resp.Request.URL.String(),
		Status:       resp.StatusCode,
		Headers:      resp.Header,
		Body:         body,
		Bytes:        int64(len(raw)),
		Redirects:    redirects,
	}
	for _, c := range resp.Cookies() {
		res.SetCookies = append(res.SetCookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return res, nil
}

// decodeBody converts the payload to UTF-8 using the declared charset,
// falling back to the bytes as-is when detection fails.
func decodeBody(raw []byte, contentType string) string {
	reader, err := charset.NewReader(strings.NewReader(string(raw)), contentType)
	if err != nil {
		return string(raw)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
