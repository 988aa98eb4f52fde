package proxy

import "strings"

// HostnameParser extracts the space slug from a request hostname.
// Pure function - no I/O.
type HostnameParser struct {
	BaseDomain string // e.g., "spaces.example.io"
}

// Parse extracts the space slug from a hostname.
// "gee-demo.spaces.example.io" → "gee-demo"
// "gee-demo.spaces.example.io:8080" → "gee-demo"
// Returns empty string and false if hostname doesn't match the base domain,
// or if the label is nested (a.b.spaces.example.io).
func (p HostnameParser) Parse(hostname string) (slug string, ok bool) {
	if hostname == "" {
		return "", false
	}

	// Strip port if present (find last colon, check if it's followed by digits)
	host := hostname
	if idx := strings.LastIndex(hostname, ":"); idx != -1 {
		potentialPort := hostname[idx+1:]
		isPort := len(potentialPort) > 0
		for _, c := range potentialPort {
			if c < '0' || c > '9' {
				isPort = false
				break
			}
		}
		if isPort {
			host = hostname[:idx]
		}
	}

	suffix := "." + p.BaseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}

	slug = strings.TrimSuffix(host, suffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}

	return slug, true
}
