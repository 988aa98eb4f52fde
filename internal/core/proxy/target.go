// Package proxy provides pure types and functions for space ingress routing.
// This package has no I/O dependencies and is tested with values in/out.
package proxy

import "fmt"

// ProxyTarget represents the destination for a proxied request.
// This is a pure data type with no I/O.
type ProxyTarget struct {
	// SpaceID is the space this target belongs to
	SpaceID string

	// Slug is the space slug the hostname resolved to
	Slug string

	// Port is the host port the web container is bound to
	Port int

	// Status is the space status (running, building, stopped, etc.)
	Status string
}

// CanRoute returns true if the target can accept traffic.
// Only running spaces with a valid port can accept traffic.
func (t ProxyTarget) CanRoute() bool {
	return t.Status == "running" && t.Port > 0
}

// Wakeable returns true if a request should trigger a wake instead of an
// error page. Stopped spaces that still have a built image can be woken.
func (t ProxyTarget) Wakeable() bool {
	return t.Status == "stopped"
}

// Building returns true if the space is mid-build or mid-start, when the
// proxy shows a progress page instead of an error.
func (t ProxyTarget) Building() bool {
	switch t.Status {
	case "building", "built", "starting":
		return true
	}
	return false
}

// LocalAddress returns the upstream address for the web container.
func (t ProxyTarget) LocalAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", t.Port)
}
