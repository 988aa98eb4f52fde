package compose

import "sort"

// =============================================================================
// Start Ordering
// =============================================================================

// SortServices returns the services in dependency start order: a service
// appears after everything it depends_on. Ties break alphabetically so the
// order is deterministic. Parse rejects cycles, so input is assumed acyclic.
// Dependencies on names that are not services in the project are ignored.
func SortServices(services []Service) []Service {
	byName := make(map[string]Service, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}

	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		if _, ok := indegree[svc.Name]; !ok {
			indegree[svc.Name] = 0
		}
		for _, dep := range svc.DependsOn {
			if _, known := byName[dep]; !known {
				continue
			}
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]Service, 0, len(services))
	placed := make(map[string]bool, len(services))

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		placed[name] = true

		var next []string
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}

	// Cycles cannot happen post-Parse, but never drop a service.
	for _, svc := range services {
		if !placed[svc.Name] {
			ordered = append(ordered, svc)
		}
	}
	return ordered
}
