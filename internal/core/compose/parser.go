package compose

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser
// =============================================================================

// Parse parses compose YAML into a space Project. spacePort is the port the
// space serves traffic on; exactly one service must publish it, and that
// service becomes the project's web service.
// This is a pure function - no I/O, no side effects.
func Parse(yamlContent string, spacePort int) (*Project, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(yamlContent)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	out := &Project{
		Services: make([]Service, 0, len(project.Services)),
		Volumes:  make([]Volume, 0, len(project.Volumes)),
	}

	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		out.Services = append(out.Services, converted)
	}

	if err := detectCircularDependencies(out.Services); err != nil {
		return nil, err
	}

	web, err := findWebService(out.Services, spacePort)
	if err != nil {
		return nil, err
	}
	out.WebService = web

	for name := range project.Volumes {
		out.Volumes = append(out.Volumes, Volume{Name: name})
	}

	return out, nil
}

// loadProject loads a compose spec using compose-go.
func loadProject(yamlContent string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("space-temp", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = true // Placeholders are bound to secrets at start time
		opts.SkipNormalization = true
		opts.SkipExtends = true // Never load external files
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects compose features spaces cannot host.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "use space secrets instead of compose secrets", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	if len(project.Networks) > 0 {
		return NewParseError("networks", "spaces get a managed network; custom networks are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "compose spaces run prebuilt images", ErrServiceHasBuild)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
		if svc.Privileged {
			return NewParseError("services."+svc.Name+".privileged", "privileged services are not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to a space Service.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Environment: make(map[string]string),
	}

	if service.Image == "" {
		return Service{}, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	for i, p := range svc.Ports {
		if p.Target == 0 || p.Target > 65535 {
			return Service{}, NewParseError(
				fmt.Sprintf("services.%s.ports[%d]", svc.Name, i),
				"target port must be 1..65535",
				ErrServiceInvalidPort,
			)
		}
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err != nil || pub > 65535 {
				return Service{}, NewParseError(
					fmt.Sprintf("services.%s.ports[%d]", svc.Name, i),
					"published port must be 1..65535",
					ErrServiceInvalidPort,
				)
			}
			published = uint32(pub)
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for _, v := range svc.Volumes {
		service.Volumes = append(service.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}

	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		// compose-go's NanoCPUs is the CPU count as float32, not nanos
		service.CPULimit = float64(limits.NanoCPUs)
		service.MemoryLimit = int64(limits.MemoryBytes)
	}

	return service, nil
}

// findWebService locates the single service publishing the space port.
func findWebService(services []Service, spacePort int) (string, error) {
	var web []string
	for _, svc := range services {
		for _, p := range svc.Ports {
			if int(p.Target) == spacePort {
				web = append(web, svc.Name)
				break
			}
		}
	}
	switch len(web) {
	case 0:
		return "", NewParseError("services", fmt.Sprintf("no service exposes port %d", spacePort), ErrNoWebService)
	case 1:
		return web[0], nil
	default:
		return "", NewParseError("services", fmt.Sprintf("services %s all expose port %d", strings.Join(web, ", "), spacePort), ErrMultipleWebServices)
	}
}

// detectCircularDependencies detects cycles in service dependencies.
func detectCircularDependencies(services []Service) error {
	deps := make(map[string][]string)
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for _, dep := range deps[node] {
			if dep == node {
				return true
			}
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for _, svc := range services {
		if !visited[svc.Name] {
			if hasCycle(svc.Name) {
				return ErrCircularDependency
			}
		}
	}

	return nil
}

// =============================================================================
// Quota Check
// =============================================================================

// CheckQuota verifies the project fits inside the per-space quota.
// Services without explicit limits are counted at the defaults.
func CheckQuota(p *Project, quota Quota) error {
	if quota.MaxServices > 0 && len(p.Services) > quota.MaxServices {
		return NewParseError("services",
			fmt.Sprintf("%d services exceeds limit of %d", len(p.Services), quota.MaxServices),
			ErrTooManyServices)
	}

	var totalCPU float64
	var totalMemory int64
	for _, svc := range p.Services {
		if svc.CPULimit > 0 {
			totalCPU += svc.CPULimit
		} else {
			totalCPU += DefaultCPUPerService
		}
		if svc.MemoryLimit > 0 {
			totalMemory += svc.MemoryLimit
		} else {
			totalMemory += DefaultMemoryPerService
		}
	}

	if quota.MaxCPUCores > 0 && totalCPU > quota.MaxCPUCores {
		return NewParseError("resources",
			fmt.Sprintf("%.1f CPU cores exceeds quota of %.1f", totalCPU, quota.MaxCPUCores),
			ErrQuotaExceeded)
	}
	if quota.MaxMemoryMB > 0 && totalMemory/(1024*1024) > quota.MaxMemoryMB {
		return NewParseError("resources",
			fmt.Sprintf("%d MB memory exceeds quota of %d MB", totalMemory/(1024*1024), quota.MaxMemoryMB),
			ErrQuotaExceeded)
	}
	return nil
}

// =============================================================================
// Variable Extraction
// =============================================================================

// variablePlaceholderRegex matches ${VAR_NAME} or ${VAR_NAME:-default}
var variablePlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-[^}]*)?\}`)

// ExtractVariables extracts env var placeholders (${VAR_NAME}) from raw
// compose YAML, before interpolation. These are the names the space binds
// secrets and variables to at start time.
func ExtractVariables(yamlContent string) []string {
	seen := make(map[string]bool)
	var vars []string

	for _, match := range variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1) {
		if len(match) >= 2 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}

	return vars
}

// placeholderWithDefaultRegex captures the default after ":-" when present.
var placeholderWithDefaultRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandVariables replaces ${VAR} and ${VAR:-default} placeholders in value
// with entries from vars. Unset placeholders resolve to their default, or to
// the empty string when no default is given.
func ExpandVariables(value string, vars map[string]string) string {
	return placeholderWithDefaultRegex.ReplaceAllStringFunc(value, func(match string) string {
		m := placeholderWithDefaultRegex.FindStringSubmatch(match)
		if v, ok := vars[m[1]]; ok {
			return v
		}
		return m[2]
	})
}
