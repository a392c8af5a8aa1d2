package spiders

import (
	"net/url"
	"path"
	"strings"
)

// normalize drops the fragment and a bare root path so equivalent links
// compare equal.
func normalize(u string) string {
	p, err := url.Parse(u)
	if err != nil {
		return u
	}
	p.Fragment = ""
	if p.Path == "/" {
		p.Path = ""
	}
	return p.String()
}

func hostOf(u string) string {
	p, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return p.Hostname()
}

func domainsMatch(a, b string, includeSub bool) bool {
	a = strings.TrimPrefix(a, "www.")
	b = strings.TrimPrefix(b, "www.")
	if a == b {
		return true
	}
	return includeSub && (strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a))
}

// matchesPattern reports whether the URL path matches one of the glob
// patterns. A trailing "*" also matches the bare prefix and anything below it.
func matchesPattern(u string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	p, err := url.Parse(u)
	if err != nil {
		return false
	}
	target := p.Path
	if target == "" {
		target = "/"
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, target); err == nil && ok {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if target == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(target, prefix) {
				return true
			}
		}
	}
	return false
}
