package fix

import (
	"fmt"
	"strings"

	"konform/internal/report"
)

// bannerHTML is the first consent layer. Reject and accept are equally
// prominent, and every non-necessary category starts unchecked; nothing
// consent-bound runs until a choice is stored.
const bannerHTML = `<div id="kf-consent" role="dialog" aria-modal="true" aria-labelledby="kf-consent-title" hidden>
  <div class="kf-consent-box">
    <h2 id="kf-consent-title">Cookies &amp; Dienste</h2>
    <p>
      Wir nutzen Cookies und externe Dienste. Einige sind technisch notwendig,
      andere helfen uns, die Website zu verbessern. Sie können Ihre Auswahl
      jederzeit über die Schaltfläche „Cookie-Einstellungen" ändern.
    </p>
    <fieldset class="kf-consent-categories">
      <legend>Kategorien</legend>
      <label><input type="checkbox" data-kf-category="necessary" checked disabled> Notwendig</label>
      <label><input type="checkbox" data-kf-category="functional"> Funktional</label>
      <label><input type="checkbox" data-kf-category="analytics"> Statistik</label>
      <label><input type="checkbox" data-kf-category="marketing"> Marketing</label>
    </fieldset>
    <div class="kf-consent-actions">
      <button type="button" id="kf-consent-reject">Alle ablehnen</button>
      <button type="button" id="kf-consent-save">Auswahl speichern</button>
      <button type="button" id="kf-consent-accept">Alle akzeptieren</button>
    </div>
  </div>
</div>
<button type="button" id="kf-consent-reopen" class="kf-consent-reopen">Cookie-Einstellungen</button>
`

const bannerCSS = `#kf-consent {
    position: fixed;
    inset: 0;
    display: flex;
    align-items: flex-end;
    justify-content: center;
    background: rgba(0, 0, 0, 0.4);
    z-index: 2147483000;
}

#kf-consent[hidden] {
    display: none;
}

.kf-consent-box {
    background: #ffffff;
    color: #1a1a1a;
    max-width: 40rem;
    margin: 1rem;
    padding: 1.5rem;
    border-radius: 8px;
}

.kf-consent-categories {
    border: none;
    margin: 1rem 0 0;
    padding: 0;
}

.kf-consent-categories legend {
    font-weight: 600;
}

.kf-consent-categories label {
    display: block;
    margin: 0.25rem 0;
}

.kf-consent-actions {
    display: flex;
    gap: 1rem;
    margin-top: 1rem;
}

.kf-consent-actions button {
    flex: 1;
    padding: 0.75rem 1rem;
    font: inherit;
    border: 2px solid #1a1a1a;
    border-radius: 4px;
    background: #ffffff;
    color: #1a1a1a;
    cursor: pointer;
}

.kf-consent-actions button:focus-visible,
.kf-consent-reopen:focus-visible {
    outline: 3px solid #005fcc;
    outline-offset: 2px;
}

.kf-consent-reopen {
    position: fixed;
    bottom: 1rem;
    left: 1rem;
    padding: 0.5rem 0.75rem;
    font: inherit;
    border: 1px solid #1a1a1a;
    border-radius: 4px;
    background: #ffffff;
    color: #1a1a1a;
    cursor: pointer;
    z-index: 2147482000;
}
`

// bannerJS persists the per-category decision under a random visitor id
// and conditionally activates gated content. Scripts carry
// type="text/plain" data-kf-consent="<category>"; iframe facades carry
// data-kf-src plus the same category attribute.
const bannerJS = `(function () {
    "use strict";

    var KEY = "kf-consent";

    function newVisitorID() {
        return "kf-" + Date.now().toString(36) + "-" + Math.random().toString(36).slice(2, 10);
    }

    function load() {
        try {
            var raw = window.localStorage.getItem(KEY);
            return raw ? JSON.parse(raw) : null;
        } catch (e) { return null; }
    }

    function save(consent) {
        try { window.localStorage.setItem(KEY, JSON.stringify(consent)); } catch (e) { /* private mode */ }
    }

    function record(categories) {
        var prior = load();
        var consent = {
            visitor: prior && prior.visitor ? prior.visitor : newVisitorID(),
            decided: new Date().toISOString(),
            categories: categories
        };
        consent.categories.necessary = true;
        save(consent);
        return consent;
    }

    function activate(consent) {
        var gated = document.querySelectorAll('script[type="text/plain"][data-kf-consent]');
        for (var i = 0; i < gated.length; i++) {
            var src = gated[i];
            if (!consent.categories[src.getAttribute("data-kf-consent")]) { continue; }
            var live = document.createElement("script");
            if (src.src) { live.src = src.src; } else { live.textContent = src.textContent; }
            for (var j = 0; j < src.attributes.length; j++) {
                var attr = src.attributes[j];
                if (attr.name !== "type" && attr.name !== "data-kf-consent") {
                    live.setAttribute(attr.name, attr.value);
                }
            }
            src.parentNode.replaceChild(live, src);
        }
        var facades = document.querySelectorAll("[data-kf-src][data-kf-consent]");
        for (var k = 0; k < facades.length; k++) {
            var box = facades[k];
            if (!consent.categories[box.getAttribute("data-kf-consent")]) { continue; }
            var frame = document.createElement("iframe");
            frame.src = box.getAttribute("data-kf-src");
            frame.setAttribute("frameborder", "0");
            frame.setAttribute("allowfullscreen", "");
            while (box.firstChild) { box.removeChild(box.firstChild); }
            box.appendChild(frame);
        }
    }

    function toggles(banner) {
        return banner.querySelectorAll("input[data-kf-category]");
    }

    function openBanner(banner) {
        var prior = load();
        var inputs = toggles(banner);
        for (var i = 0; i < inputs.length; i++) {
            var cat = inputs[i].getAttribute("data-kf-category");
            if (cat === "necessary") { continue; }
            inputs[i].checked = !!(prior && prior.categories && prior.categories[cat]);
        }
        banner.hidden = false;
    }

    function collect(banner) {
        var categories = { necessary: true };
        var inputs = toggles(banner);
        for (var i = 0; i < inputs.length; i++) {
            var cat = inputs[i].getAttribute("data-kf-category");
            if (cat !== "necessary") { categories[cat] = inputs[i].checked; }
        }
        return categories;
    }

    function decide(banner, categories) {
        var consent = record(categories);
        banner.hidden = true;
        activate(consent);
    }

    function init() {
        var banner = document.getElementById("kf-consent");
        if (!banner) { return; }

        document.getElementById("kf-consent-reject").addEventListener("click", function () {
            decide(banner, { necessary: true, functional: false, analytics: false, marketing: false });
        });
        document.getElementById("kf-consent-accept").addEventListener("click", function () {
            decide(banner, { necessary: true, functional: true, analytics: true, marketing: true });
        });
        document.getElementById("kf-consent-save").addEventListener("click", function () {
            decide(banner, collect(banner));
        });
        var reopen = document.getElementById("kf-consent-reopen");
        if (reopen) {
            reopen.addEventListener("click", function () { openBanner(banner); });
        }

        var prior = load();
        if (prior) { activate(prior); } else { openBanner(banner); }
    }

    window.konformConsent = {
        get: load,
        open: function () {
            var banner = document.getElementById("kf-consent");
            if (banner) { openBanner(banner); }
        },
        revoke: function () {
            try { window.localStorage.removeItem(KEY); } catch (e) { /* private mode */ }
        }
    };

    if (document.readyState === "loading") {
        document.addEventListener("DOMContentLoaded", init);
    } else {
        init();
    }
})();
`

// bannerFix ships the three-file consent banner bundle. The guide maps
// every detected consent-bound service to the gating markup its
// blocking recipe calls for.
func (g *Generator) bannerFix(fix *report.Fix, scan *report.Scan, issue report.Issue) {
	fix.Kind = report.FixCookieBanner
	fix.Title = "Consent banner with equal reject option"
	fix.Source = report.SourceTemplate
	fix.Confidence = 0.9
	fix.Files = []report.FixFile{
		{Path: "cookie-banner.html", Mime: "text/html", Content: bannerHTML},
		{Path: "cookie-banner.css", Mime: "text/css", Content: bannerCSS},
		{Path: "cookie-banner.js", Mime: "text/javascript", Content: bannerJS},
	}

	var b strings.Builder
	b.WriteString(strings.Join([]string{
		"1. Paste `cookie-banner.html` directly before `</body>` on every page.",
		"2. Include `cookie-banner.css` in the `<head>` and `cookie-banner.js` before `</body>`.",
		"3. Gate every consent-bound script on its category: `type=\"text/plain\" data-kf-consent=\"analytics\"` (or `marketing`, `functional`). The banner activates it only after the category is accepted.",
		"4. Verify with a fresh browser profile that no tracker fires before a choice is made.",
	}, "\n"))

	var gated []string
	for _, svc := range scan.Services {
		if !svc.RequiresConsent {
			continue
		}
		gated = append(gated, "- "+serviceGateHint(svc))
	}
	if len(gated) > 0 {
		b.WriteString("\n\nDetected services and how to gate them:\n\n")
		b.WriteString(strings.Join(gated, "\n"))
		b.WriteString("\n")
	}
	fix.Guide = b.String()
}

// serviceGateHint renders the one-line gating instruction for a
// classified service, following its blocking recipe.
func serviceGateHint(svc report.ClassifiedService) string {
	kind := "script_rewrite"
	if svc.Recipe != nil {
		kind = svc.Recipe.Kind
	}
	cat := string(svc.Category)
	switch kind {
	case "iframe_facade":
		return fmt.Sprintf("%s (%s): replace the embed with `<div data-kf-src=\"IFRAME-URL\" data-kf-consent=%q></div>`; the banner loads the iframe after consent.",
			svc.Name, cat, cat)
	case "cookie_gate":
		return fmt.Sprintf("%s (%s): set its cookie only after `window.konformConsent.get()` grants the %s category, and delete it on rejection.",
			svc.Name, cat, cat)
	default:
		return fmt.Sprintf("%s (%s): rewrite its script tag to `<script type=\"text/plain\" data-kf-consent=%q src=\"SERVICE-URL\"></script>`.",
			svc.Name, cat, cat)
	}
}

// consentGateFix explains how to gate one specific firing service,
// following its blocking recipe.
func (g *Generator) consentGateFix(fix *report.Fix, scan *report.Scan, issue report.Issue) {
	var svc *report.ClassifiedService
	for i := range scan.Services {
		if scan.Services[i].ServiceID == issue.ServiceID {
			svc = &scan.Services[i]
		}
	}

	fix.Kind = report.FixConsentWidget
	fix.Source = report.SourceTemplate
	fix.Confidence = 0.85

	name := issue.ServiceID
	kind := "script_rewrite"
	category := string(report.CategoryMarketing)
	if svc != nil {
		name = svc.Name
		category = string(svc.Category)
		if svc.Recipe != nil {
			kind = svc.Recipe.Kind
		}
	}
	fix.Title = "Gate " + name + " behind consent"

	var b strings.Builder
	fmt.Fprintf(&b, "# Gate %s behind consent\n\n", name)
	switch kind {
	case "iframe_facade":
		b.WriteString("Replace the embed with a click-to-load placeholder:\n\n")
		fmt.Fprintf(&b, "```html\n<div class=\"kf-facade\" data-kf-src=\"IFRAME-URL\" data-kf-consent=%q>\n"+
			"  <button type=\"button\">Inhalt laden (externe Daten werden übertragen)</button>\n</div>\n```\n\n", category)
		b.WriteString("The consent banner bundle swaps the placeholder for the real iframe once the category is accepted.\n")
	case "cookie_gate":
		fmt.Fprintf(&b, "Set the service's cookie only after `window.konformConsent.get()` grants the %s category, and delete it on rejection.\n", category)
	default:
		b.WriteString("Rewrite the loading script tag so the browser ignores it until consent:\n\n")
		fmt.Fprintf(&b, "```html\n<script type=\"text/plain\" data-kf-consent=%q src=\"SERVICE-URL\"></script>\n```\n\n", category)
		b.WriteString("The consent banner bundle rehydrates gated scripts after the category is accepted.\n")
	}
	fix.Guide = b.String()
}
