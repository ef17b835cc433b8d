package features

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Parts is a host split along public-suffix boundaries, e.g.
// "mail.corp.example.co.uk" -> {"mail.corp", "example", "co.uk"}.
type Parts struct {
	Subdomain string
	Domain    string
	Suffix    string
}

// Split decomposes the host of rawURL. Only ICANN suffixes count, so
// "a.blogspot.com" has suffix "com". IP literals and hosts under an unlisted
// TLD have no suffix. Anything that does not yield a usable host returns
// the zero Parts.
func Split(rawURL string) Parts {
	host := Host(rawURL)
	if host == "" {
		return Parts{}
	}
	if net.ParseIP(host) != nil {
		return Parts{Domain: host}
	}

	suffix := icannSuffix(host)

	rest := host
	switch {
	case suffix == "":
	case host == suffix:
		rest = ""
	default:
		rest = strings.TrimSuffix(host, "."+suffix)
	}

	p := Parts{Suffix: suffix}
	if i := strings.LastIndexByte(rest, '.'); i >= 0 {
		p.Subdomain = rest[:i]
		p.Domain = rest[i+1:]
	} else {
		p.Domain = rest
	}
	return p
}

// icannSuffix returns the ICANN public suffix of host, or "" when the host's
// TLD is not on the list.
func icannSuffix(host string) string {
	suffix, icann := publicsuffix.PublicSuffix(host)
	// Private entries (github.io, blogspot.com) fall back to their ICANN parent.
	for !icann && strings.Contains(suffix, ".") {
		suffix = suffix[strings.IndexByte(suffix, '.')+1:]
		suffix, icann = publicsuffix.PublicSuffix(suffix)
	}
	if !icann {
		return ""
	}
	return suffix
}

// Host extracts the lower-cased host name from a URL-ish string. The scheme
// is optional; userinfo, port, path, query and fragment are dropped.
func Host(rawURL string) string {
	s := stripScheme(strings.TrimSpace(rawURL))

	if i := strings.IndexAny(s, "/?#\\"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return ""
		}
		s = s[1:end]
	} else if strings.Count(s, ":") == 1 {
		s = s[:strings.IndexByte(s, ':')]
	}

	s = strings.Trim(strings.ToLower(s), ".")
	if strings.ContainsFunc(s, invalidHostRune) {
		return ""
	}
	return s
}

// stripScheme drops a leading "scheme://" or "//". A "//" later in the
// string (a URL inside the query, say) is left alone.
func stripScheme(s string) string {
	i := strings.Index(s, "//")
	switch {
	case i == 0:
		return s[2:]
	case i < 2 || s[i-1] != ':':
		return s
	}
	for _, r := range s[:i-1] {
		if !isSchemeRune(r) {
			return s
		}
	}
	return s[i+2:]
}

func isSchemeRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '+' || r == '-' || r == '.'
}

func invalidHostRune(r rune) bool {
	return r <= ' ' || r == 0x7f
}
