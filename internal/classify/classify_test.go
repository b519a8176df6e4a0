package classify

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/catalog"
	"konform/internal/dom"
	"konform/internal/fetch"
	"konform/internal/report"
)

func TestRegistrableDomain(t *testing.T) {
	cases := map[string]string{
		"www.example.de":       "example.de",
		"cdn.shop.example.de":  "example.de",
		"example.de":           "example.de",
		"a.b.example.co.uk":    "example.co.uk",
		"www.google-analytics.com": "google-analytics.com",
		"localhost":            "localhost",
	}
	for in, want := range cases {
		assert.Equal(t, want, RegistrableDomain(in), "host %s", in)
	}
}

func defaultCatalog(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Default()
	require.NoError(t, err)
	return snap
}

func pageURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://www.example.de/")
	require.NoError(t, err)
	return u
}

func TestClassifyScriptTagAgainstCatalog(t *testing.T) {
	doc, err := dom.Parse(`<html><head>
		<script src="https://www.googletagmanager.com/gtag/js?id=G-XXXX"></script>
		<script src="/assets/own.js"></script>
	</head><body></body></html>`)
	require.NoError(t, err)

	obs := BuildObservations(pageURL(t), doc, nil, nil)
	services := Classify(defaultCatalog(t), obs)

	require.Len(t, services, 1, "first-party script must not classify")
	svc := services[0]
	assert.Equal(t, "google_analytics_ga4", svc.ServiceID)
	assert.Equal(t, report.CategoryAnalytics, svc.Category)
	assert.True(t, svc.RequiresConsent)
	assert.True(t, svc.ConsentSeen)
	require.NotNil(t, svc.Recipe)
	assert.Equal(t, "script_rewrite", svc.Recipe.Kind)
	require.NotEmpty(t, svc.Matched)
	assert.Equal(t, report.EvidenceScript, svc.Matched[0].Kind)
}

func TestClassifySkipsGatedScripts(t *testing.T) {
	doc, err := dom.Parse(`<html><head>
		<script type="text/plain" data-consent="analytics" src="https://www.googletagmanager.com/gtag/js?id=G-X"></script>
	</head><body></body></html>`)
	require.NoError(t, err)

	obs := BuildObservations(pageURL(t), doc, nil, nil)
	assert.Empty(t, obs.ScriptSrcs)
	assert.Empty(t, Classify(defaultCatalog(t), obs))
}

func TestClassifyCookiesAndNetworkLog(t *testing.T) {
	static := &fetch.StaticResult{SetCookies: []fetch.Cookie{{Name: "_ga_ABC123", Domain: ".example.de"}}}
	render := &fetch.RenderResult{
		Requests: []fetch.NetworkRequest{
			{URL: "https://region1.google-analytics.com/g/collect?v=2", Method: "POST"},
			{URL: "https://tracker.sketchy-ads.io/pixel.gif", Method: "GET"},
			{URL: "https://www.example.de/api/data", Method: "GET"},
		},
	}

	obs := BuildObservations(pageURL(t), nil, static, render)
	services := Classify(defaultCatalog(t), obs)

	byID := map[string]report.ClassifiedService{}
	for _, s := range services {
		byID[s.ServiceID] = s
	}

	ga, ok := byID["google_analytics_ga4"]
	require.True(t, ok)
	assert.Len(t, ga.Matched, 2, "cookie and request evidence aggregate on one service")

	un, ok := byID["unclassified:sketchy-ads.io"]
	require.True(t, ok, "unknown third party becomes a pseudo-service")
	assert.Equal(t, report.CategoryMarketing, un.Category)
	assert.True(t, un.RequiresConsent)
	assert.InDelta(t, 0.5, un.Confidence, 0.001)

	_, firstParty := byID["unclassified:example.de"]
	assert.False(t, firstParty, "first-party requests never classify")
}

func TestClassifyDeterministicOrder(t *testing.T) {
	render := &fetch.RenderResult{
		Requests: []fetch.NetworkRequest{
			{URL: "https://connect.facebook.net/en_US/fbevents.js"},
			{URL: "https://www.googletagmanager.com/gtm.js?id=GTM-1"},
		},
	}
	obs := BuildObservations(pageURL(t), nil, nil, render)

	first := Classify(defaultCatalog(t), obs)
	second := Classify(defaultCatalog(t), obs)
	require.Equal(t, first, second)
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].ServiceID, first[i].ServiceID)
	}
}
