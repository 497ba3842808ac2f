package fetch

import (
	"net/url"
	"strings"
)

// Resolve builds the absolute target of suffix below base.
//
//   - an absolute suffix (scheme and host) is used verbatim
//   - a suffix starting with ? replaces the query of base, the path stays
//   - anything else is appended to the path of base as is, base is treated
//     as a directory. Dot segments are kept and a query inside the suffix
//     stays the query of the target.
//
// When base can't be parsed, both are concatenated with a single slash
// between them.
func Resolve(base, suffix string) string {
	if ref, err := url.Parse(suffix); err == nil && ref.IsAbs() && ref.Host != "" {
		return suffix
	}

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return concat(base, suffix)
	}

	if strings.HasPrefix(suffix, "?") {
		u.RawQuery = strings.TrimPrefix(suffix, "?")
		u.ForceQuery = u.RawQuery == ""
		return u.String()
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return concat(u.String(), suffix)
}

func concat(base, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(suffix, "/")
}
