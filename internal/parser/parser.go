// Package parser provides HLS media playlist parsing.
package parser

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	schemeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*://`)
	attrRe   = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)
)

// baseDir returns everything up to and including the last '/' of the
// manifest URL's path, ignoring any query or fragment.
func baseDir(manifestURL string) string {
	s := manifestURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return s[:strings.LastIndex(s, "/")+1]
}

// resolveURL resolves a segment or key reference against the manifest URL.
//
// Rules, in order: a reference with a scheme is used as-is; a root-relative
// reference is joined to the manifest's scheme and host; anything else is
// appended to the manifest's base directory. Dot segments are not collapsed,
// so "../seg.ts" stays "base/../seg.ts".
func resolveURL(manifestURL, ref string) string {
	if schemeRe.MatchString(ref) {
		return ref
	}

	if strings.HasPrefix(ref, "/") {
		u, err := url.Parse(manifestURL)
		if err != nil || u.Host == "" {
			return ref
		}
		if strings.HasPrefix(ref, "//") {
			// Protocol-relative reference
			return u.Scheme + ":" + ref
		}
		return u.Scheme + "://" + u.Host + ref
	}

	return baseDir(manifestURL) + ref
}

// parseHLSAttributes parses an HLS attribute list (KEY=VALUE,KEY="VALUE").
// Quoted values keep their quotes; callers trim them where needed.
func parseHLSAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		if len(m) >= 3 {
			attrs[m[1]] = m[2]
		}
	}
	return attrs
}

func unquote(s string) string {
	return strings.Trim(s, "\"")
}
