package compose

// =============================================================================
// Project - Main Output Type
// =============================================================================

// Project is the parsed form of a compose space, decoupled from compose-go
// types. The web service is the one that publishes the space port; it is the
// only service the proxy routes to.
type Project struct {
	Services []Service `json:"services"`
	Volumes  []Volume  `json:"volumes,omitempty"`

	// WebService is the name of the service that publishes the space port.
	WebService string `json:"web_service"`
}

// Service returns the named service, or nil.
func (p *Project) Service(name string) *Service {
	for i := range p.Services {
		if p.Services[i].Name == name {
			return &p.Services[i]
		}
	}
	return nil
}

// =============================================================================
// Service Types
// =============================================================================

// Service is a single service of a compose space.
type Service struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Ports       []Port            `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	CPULimit    float64           `json:"cpu_limit,omitempty"`
	MemoryLimit int64             `json:"memory_limit,omitempty"` // Bytes
}

// Port is a container port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Host port (0 = dynamic)
	Protocol  string `json:"protocol,omitempty"`
}

// VolumeMount mounts a named volume into a service.
type VolumeMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readonly"`
}

// Volume is a named volume of a compose space.
type Volume struct {
	Name string `json:"name"`
}

// =============================================================================
// Quota
// =============================================================================

// Quota bounds what a single compose space may request.
type Quota struct {
	MaxServices int
	MaxCPUCores float64
	MaxMemoryMB int64
}

// DefaultQuota is the per-space quota applied when none is configured.
func DefaultQuota() Quota {
	return Quota{
		MaxServices: 5,
		MaxCPUCores: 4,
		MaxMemoryMB: 4096,
	}
}

// Defaults used when a service does not declare explicit limits.
const (
	DefaultCPUPerService    = 0.5
	DefaultMemoryPerService = 256 * 1024 * 1024 // 256 MB
)
