package compose

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/paddock/pkg/docker"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// Deployment and service names end up in container names, so they follow
// the same rules docker enforces there.
var composeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks a config without touching any machine: names, images,
// dependency references, acyclicity, and everything the container engine
// would reject per service. Machine resolution stays with Deploy; a
// placeholder keeps per-service validation satisfied here.
func Validate(cfg *types.ComposeConfig) error {
	if cfg == nil || !composeNameRe.MatchString(cfg.Name) {
		return errdefs.Invalid("deployment name must be letters, digits, underscore, or dash, starting alphanumeric")
	}
	if len(cfg.Services) == 0 {
		return errdefs.Invalid("config has no services")
	}

	for _, name := range sortedServiceNames(cfg.Services) {
		svc := cfg.Services[name]
		if !composeNameRe.MatchString(name) {
			return errdefs.Invalidf("service name %q must be letters, digits, underscore, or dash, starting alphanumeric", name)
		}
		if svc == nil || svc.Image == "" {
			return errdefs.Invalidf("service %s has no image", name)
		}
		for _, dep := range svc.DependsOn {
			if dep == name {
				return errdefs.Invalidf("service %s depends on itself", name)
			}
			if _, ok := cfg.Services[dep]; !ok {
				return errdefs.Invalidf("service %s depends on unknown service %q", name, dep)
			}
		}

		spec, err := buildSpec(cfg, name, "validate", "validate")
		if err != nil {
			return err
		}
		if err := docker.ValidateSpec(spec); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
	}

	return detectCycle(cfg.Services)
}

// detectCycle runs DFS coloring over the depends_on graph and reports the
// first cycle found with its path.
func detectCycle(services map[string]*types.ComposeService) error {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // finished
	)
	color := make(map[string]int, len(services))

	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		path = append(path, name)
		for _, dep := range services[name].DependsOn {
			switch color[dep] {
			case gray:
				// Close the loop for the error message
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string{}, path[start:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for _, name := range sortedServiceNames(services) {
		if color[name] != white {
			continue
		}
		if cycle := visit(name); cycle != nil {
			return errdefs.Newf(errdefs.CodeDependencyCycle, "dependency cycle: %s", strings.Join(cycle, " -> ")).
				WithDetail("cycle", cycle)
		}
	}
	return nil
}

// layers peels the dependency graph into topological strata. Every service
// in stratum n has all of its dependencies in strata < n. Strata are sorted
// so the same config always yields the same order. Callers must have
// rejected cycles already.
func layers(services map[string]*types.ComposeService) [][]string {
	unsatisfied := make(map[string]map[string]bool, len(services))
	for name, svc := range services {
		deps := make(map[string]bool, len(svc.DependsOn))
		for _, d := range svc.DependsOn {
			deps[d] = true
		}
		unsatisfied[name] = deps
	}

	var out [][]string
	for len(unsatisfied) > 0 {
		var stratum []string
		for name, deps := range unsatisfied {
			if len(deps) == 0 {
				stratum = append(stratum, name)
			}
		}
		sort.Strings(stratum)
		for _, name := range stratum {
			delete(unsatisfied, name)
		}
		for _, deps := range unsatisfied {
			for _, name := range stratum {
				delete(deps, name)
			}
		}
		out = append(out, stratum)
	}
	return out
}

// creationOrder flattens the strata into the order containers are created
func creationOrder(services map[string]*types.ComposeService) []string {
	var out []string
	for _, stratum := range layers(services) {
		out = append(out, stratum...)
	}
	return out
}

// buildSpec renders one service into a container spec. Container names are
// <deployment>_<service> so a host's docker ps reads naturally.
func buildSpec(cfg *types.ComposeConfig, service, machineID, network string) (*types.ContainerSpec, error) {
	svc := cfg.Services[service]

	ports, err := parsePorts(service, svc.Ports)
	if err != nil {
		return nil, err
	}
	volumes, err := parseVolumes(service, svc.Volumes)
	if err != nil {
		return nil, err
	}

	return &types.ContainerSpec{
		Name:          cfg.Name + "_" + service,
		Image:         svc.Image,
		MachineID:     machineID,
		Env:           svc.Env,
		Ports:         ports,
		Volumes:       volumes,
		Labels:        svc.Labels,
		Network:       network,
		Command:       svc.Command,
		RestartPolicy: svc.RestartPolicy,
		CPULimit:      svc.CPULimit,
		MemoryLimit:   svc.MemoryLimit,
	}, nil
}

// parsePorts expands "host:container[/proto]" strings; a bare port maps to
// itself.
func parsePorts(service string, specs []string) ([]types.PortMap, error) {
	out := make([]types.PortMap, 0, len(specs))
	for _, s := range specs {
		portPart, proto, hasProto := strings.Cut(s, "/")
		if !hasProto {
			proto = "tcp"
		}

		hostPart, contPart, hasColon := strings.Cut(portPart, ":")
		if !hasColon {
			contPart = hostPart
		}
		host, err := strconv.Atoi(hostPart)
		if err != nil {
			return nil, errdefs.Invalidf("service %s: bad port %q", service, s)
		}
		cont, err := strconv.Atoi(contPart)
		if err != nil {
			return nil, errdefs.Invalidf("service %s: bad port %q", service, s)
		}
		out = append(out, types.PortMap{HostPort: host, ContainerPort: cont, Protocol: proto})
	}
	return out, nil
}

// parseVolumes expands "source:target[:mode]" strings
func parseVolumes(service string, specs []string) ([]types.VolumeMap, error) {
	out := make([]types.VolumeMap, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, errdefs.Invalidf("service %s: bad volume %q, want source:target[:mode]", service, s)
		}
		v := types.VolumeMap{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			v.Mode = parts[2]
		}
		out = append(out, v)
	}
	return out, nil
}

func sortedServiceNames(services map[string]*types.ComposeService) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
