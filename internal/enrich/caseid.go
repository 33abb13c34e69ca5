package enrich

import (
	"net"
	"net/url"
	"strings"
)

// GlobalCase is the case id of pages that belong to no case.
const GlobalCase = "global"

// CaseID derives the case a page belongs to. A /case/{id} path segment wins;
// otherwise the leftmost subdomain label is used unless it is reserved. Hosts
// need at least three labels for a subdomain to count.
func CaseID(rawURL string, reserved []string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return GlobalCase
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "case" && segments[i+1] != "" {
			if id, err := url.PathUnescape(segments[i+1]); err == nil {
				return id
			}
			return segments[i+1]
		}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return GlobalCase
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 || labels[0] == "" {
		return GlobalCase
	}
	for _, r := range reserved {
		if strings.EqualFold(labels[0], r) {
			return GlobalCase
		}
	}
	return labels[0]
}
