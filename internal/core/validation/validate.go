// Package validation checks container specifications before they reach the
// engine.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/melih/lighthouse-runner/internal/core/domain"
)

const (
	minCPU = 0.1
	maxCPU = 16.0
)

var (
	namePattern       = regexp.MustCompile(`^[A-Za-z0-9_-]{3,63}$`)
	portPattern       = regexp.MustCompile(`^\d+(:\d+)?(/(tcp|udp))?$`)
	volumePattern     = regexp.MustCompile(`^[^:]+:[^:]+$`)
	memoryPattern     = regexp.MustCompile(`^\d+[bkmg]$`)
	dependencyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*(:[A-Za-z0-9._-]+)?$`)
)

// NameRule describes the accepted container name format.
const NameRule = "must be 3-63 characters of letters, digits, '_' or '-'"

// RestartPolicies lists the accepted restart policy names.
var RestartPolicies = []string{"no", "always", "on-failure", "unless-stopped"}

// Validate checks every field of spec independently and returns the
// normalized spec together with all violations found. A spec is usable by
// the lifecycle manager only when the violation list is empty.
func Validate(spec domain.ContainerSpec) (domain.ContainerSpec, []domain.Violation) {
	var out []domain.Violation
	add := func(field, format string, args ...any) {
		out = append(out, domain.Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	n := domain.ContainerSpec{
		Name:      strings.TrimSpace(spec.Name),
		BaseImage: strings.TrimSpace(spec.BaseImage),
		RepoURL:   strings.TrimSpace(spec.RepoURL),
		CPU:       spec.CPU,
	}

	if n.Name != "" && !namePattern.MatchString(n.Name) {
		add("name", NameRule)
	}

	if n.BaseImage == "" {
		add("baseImage", "is required")
	}

	if n.RepoURL != "" && !validRepoURL(n.RepoURL) {
		add("repoUrl", "must be an http(s), ssh or git@ repository URL")
	}

	for _, p := range compact(spec.Ports) {
		if !portPattern.MatchString(p) {
			add("ports", "%q must match port[:port][/tcp|udp]", p)
			continue
		}
		if _, err := nat.ParsePortSpec(p); err != nil {
			add("ports", "%q: %v", p, err)
			continue
		}
		n.Ports = append(n.Ports, p)
	}

	for _, v := range compact(spec.Volumes) {
		if !volumePattern.MatchString(v) {
			add("volumes", "%q must match hostPath:containerPath", v)
			continue
		}
		n.Volumes = append(n.Volumes, v)
	}

	if len(spec.Env) > 0 {
		n.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			key := strings.TrimSpace(k)
			if key == "" || strings.ContainsAny(key, "= ") {
				add("env", "invalid variable name %q", k)
				continue
			}
			n.Env[key] = v
		}
	}

	if mem := strings.ToLower(strings.TrimSpace(spec.Memory)); mem != "" {
		if !memoryPattern.MatchString(mem) {
			add("memory", "%q must match digits followed by b, k, m or g", spec.Memory)
		} else if size, err := units.RAMInBytes(mem); err != nil {
			add("memory", "%q: %v", spec.Memory, err)
		} else {
			n.Memory = mem
			n.MemoryBytes = size
		}
	}

	if spec.CPU != nil && (*spec.CPU < minCPU || *spec.CPU > maxCPU) {
		add("cpu", "%g must be between %g and %g", *spec.CPU, minCPU, maxCPU)
	}

	for _, d := range compact(spec.Dependencies) {
		if !dependencyPattern.MatchString(d) {
			add("dependencies", "%q must match name[:tag]", d)
			continue
		}
		n.Dependencies = append(n.Dependencies, d)
	}

	policy := strings.ToLower(strings.TrimSpace(spec.RestartPolicy))
	switch {
	case policy == "":
		n.RestartPolicy = "no"
	case slices.Contains(RestartPolicies, policy):
		n.RestartPolicy = policy
	default:
		add("restartPolicy", "%q must be one of %s", spec.RestartPolicy, strings.Join(RestartPolicies, ", "))
	}

	return n, out
}

// ValidName reports whether name is an acceptable container name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

func validRepoURL(raw string) bool {
	if strings.HasPrefix(raw, "git@") {
		return strings.Contains(raw, ":")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		return true
	}
	return false
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
