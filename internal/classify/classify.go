// Package classify matches everything the fetch layer observed —
// cookies, network requests, script and iframe sources, localStorage —
// against the service catalog and produces the classified-service list
// the cookie and privacy checks both consume.
package classify

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"konform/internal/catalog"
	"konform/internal/dom"
	"konform/internal/fetch"
	"konform/internal/logging"
	"konform/internal/report"
)

// nonExecutableScriptTypes are type attributes that keep a script from
// running; consent managers use them to gate trackers.
var nonExecutableScriptTypes = map[string]bool{
	"text/plain":      true,
	"text/template":   true,
	"application/ld+json": true,
}

// BuildObservations assembles the classifier input from a parsed DOM
// and whatever the fetch layer recorded. Gated scripts (type
// "text/plain") are excluded: they do not execute before consent.
func BuildObservations(pageURL *url.URL, doc *html.Node, static *fetch.StaticResult, render *fetch.RenderResult) *fetch.Observations {
	obs := &fetch.Observations{PageURL: pageURL, LocalStorage: map[string]string{}}

	if doc != nil {
		for _, s := range dom.ByTag(doc, "script") {
			src := strings.TrimSpace(dom.Attr(s, "src"))
			if src == "" {
				continue
			}
			typ := strings.ToLower(strings.TrimSpace(dom.Attr(s, "type")))
			if typ != "" && typ != "text/javascript" && typ != "module" && typ != "application/javascript" {
				if nonExecutableScriptTypes[typ] {
					continue
				}
			}
			obs.ScriptSrcs = append(obs.ScriptSrcs, src)
		}
		for _, f := range dom.ByTag(doc, "iframe") {
			if src := strings.TrimSpace(dom.Attr(f, "src")); src != "" {
				obs.IframeSrcs = append(obs.IframeSrcs, src)
			}
		}
	}

	if static != nil {
		obs.Cookies = append(obs.Cookies, static.SetCookies...)
	}
	if render != nil {
		obs.Cookies = append(obs.Cookies, render.Cookies...)
		obs.Requests = append(obs.Requests, render.Requests...)
		for k, v := range render.LocalStorage {
			obs.LocalStorage[k] = v
		}
	}
	return obs
}

// Classify runs the catalog over the observations. Every catalog match
// appears in the output exactly once with all of its evidence; third
// party hosts nothing matched become conservative "unclassified"
// marketing services.
func Classify(snap *catalog.Snapshot, obs *fetch.Observations) []report.ClassifiedService {
	b := &builder{
		snap:     snap,
		pageHost: "",
		found:    map[string]*report.ClassifiedService{},
	}
	if obs.PageURL != nil {
		b.pageHost = obs.PageURL.Hostname()
	}

	for _, c := range obs.Cookies {
		if svc, ok := snap.MatchCookie(c.Name); ok {
			b.add(svc, report.ServiceEvidence{Kind: report.EvidenceCookie, Value: c.Name, Source: c.Domain})
		}
	}

	for _, src := range obs.ScriptSrcs {
		b.classifyURL(src, report.EvidenceScript, true)
	}
	for _, src := range obs.IframeSrcs {
		b.classifyURL(src, report.EvidenceRequest, true)
	}
	for _, req := range obs.Requests {
		b.classifyURL(req.URL, report.EvidenceRequest, false)
	}

	for key := range obs.LocalStorage {
		if svc, ok := snap.MatchLocalStorage(key); ok {
			b.add(svc, report.ServiceEvidence{Kind: report.EvidenceLocalStorage, Value: key})
		}
	}

	out := make([]report.ClassifiedService, 0, len(b.found))
	for _, svc := range b.found {
		out = append(out, *svc)
	}
	report.SortServices(out)

	logging.Debug(logging.CategoryChecks, "classified %d services from %d scripts, %d requests, %d cookies",
		len(out), len(obs.ScriptSrcs), len(obs.Requests), len(obs.Cookies))
	return out
}

type builder struct {
	snap     *catalog.Snapshot
	pageHost string
	found    map[string]*report.ClassifiedService
}

// classifyURL matches a URL against script-src fragments first, then
// request hosts. preferScript keeps script evidence labeled as such.
func (b *builder) classifyURL(raw string, kind report.EvidenceKind, scriptTable bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return
	}
	host := u.Hostname()

	// First-party traffic is never a third-party service.
	if b.pageHost != "" && SameSite(host, b.pageHost) {
		return
	}

	ev := report.ServiceEvidence{Kind: kind, Value: raw}
	if scriptTable {
		if svc, ok := b.snap.MatchScriptSrc(raw); ok {
			b.add(svc, ev)
			return
		}
	}
	if svc, ok := b.snap.MatchHost(host); ok {
		b.add(svc, ev)
		return
	}
	if svc, ok := b.snap.MatchScriptSrc(raw); ok {
		b.add(svc, ev)
		return
	}

	b.addUnclassified(host, ev)
}

func (b *builder) add(svc *catalog.Service, ev report.ServiceEvidence) {
	cs, ok := b.found[svc.ID]
	if !ok {
		cs = &report.ClassifiedService{
			ServiceID:       svc.ID,
			Name:            svc.Name,
			Category:        svc.Category,
			RequiresConsent: svc.RequiresConsent,
			TransferNonEU:   svc.TransferNonEU,
			Confidence:      1.0,
		}
		if svc.Recipe != nil {
			cs.Recipe = &report.BlockingRecipe{
				Kind:       svc.Recipe.Kind,
				Notes:      svc.Recipe.Notes,
				Attributes: svc.Recipe.Attributes,
			}
		}
		b.found[svc.ID] = cs
	}
	cs.Matched = appendEvidence(cs.Matched, ev)
	// Any observed activity happened before a consent interaction; the
	// renderer never clicks banners.
	cs.ConsentSeen = true
}

// addUnclassified files an unknown third party under its registrable
// domain, graded marketing until someone catalogs it.
func (b *builder) addUnclassified(host string, ev report.ServiceEvidence) {
	site := RegistrableDomain(host)
	id := "unclassified:" + site
	cs, ok := b.found[id]
	if !ok {
		cs = &report.ClassifiedService{
			ServiceID:       id,
			Name:            site,
			Category:        report.CategoryMarketing,
			RequiresConsent: true,
			Confidence:      0.5,
			Recipe:          &report.BlockingRecipe{Kind: "script_rewrite", Notes: "Unknown third party; verify before blocking."},
		}
		b.found[id] = cs
	}
	cs.Matched = appendEvidence(cs.Matched, ev)
	cs.ConsentSeen = true
}

func appendEvidence(list []report.ServiceEvidence, ev report.ServiceEvidence) []report.ServiceEvidence {
	for _, have := range list {
		if have.Kind == ev.Kind && have.Value == ev.Value {
			return list
		}
	}
	list = append(list, ev)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Kind != list[j].Kind {
			return list[i].Kind < list[j].Kind
		}
		return list[i].Value < list[j].Value
	})
	return list
}

// ConsentRequiring filters the classified list down to the services
// the cookie pillar has to gate.
func ConsentRequiring(services []report.ClassifiedService) []report.ClassifiedService {
	var out []report.ClassifiedService
	for _, s := range services {
		if s.RequiresConsent {
			out = append(out, s)
		}
	}
	return out
}
