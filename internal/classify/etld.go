package classify

import "strings"

// twoLevelSuffixes lists the multi-label public suffixes that actually
// show up in European web traffic. Registrable-domain extraction only
// has to tell "first party vs third party" apart here, so the full
// public suffix list would be dead weight.
var twoLevelSuffixes = map[string]bool{
	"co.uk": true, "org.uk": true, "gov.uk": true, "ac.uk": true, "me.uk": true,
	"co.at": true, "or.at": true, "ac.at": true,
	"com.au": true, "net.au": true, "org.au": true,
	"co.nz": true, "org.nz": true,
	"com.br": true, "com.mx": true, "com.ar": true, "com.tr": true,
	"co.jp": true, "ne.jp": true, "or.jp": true,
	"co.kr": true, "co.in": true, "co.za": true,
	"com.cn": true, "com.hk": true, "com.sg": true, "com.tw": true,
	"com.pl": true, "com.ua": true,
}

// RegistrableDomain reduces a host to its eTLD+1: "cdn.shop.example.de"
// becomes "example.de", "a.b.example.co.uk" becomes "example.co.uk".
// IP literals and single-label hosts pass through unchanged.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if twoLevelSuffixes[suffix] {
		if len(labels) < 3 {
			return host
		}
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// SameSite reports whether two hosts share a registrable domain.
func SameSite(a, b string) bool {
	return RegistrableDomain(a) == RegistrableDomain(b)
}
