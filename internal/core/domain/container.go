package domain

import "time"

// Container represents a container in the system (Docker, K8s, etc.)
type Container struct {
	ID        string   `json:"id"`
	Names     []string `json:"names"`
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Status    string   `json:"status"`
	State     string   `json:"state"` // created, running, paused, exited, etc.
	Ports     []string `json:"ports,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
}

// ContainerDetail is the inspect view of a single container. Raw carries
// the engine's full payload so the HTTP layer can return it unmodified.
type ContainerDetail struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	State      string            `json:"state"`
	Running    bool              `json:"running"`
	ExitCode   int               `json:"exitCode"`
	StartedAt  time.Time         `json:"startedAt"`
	Env        []string          `json:"env,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	MemoryByte int64             `json:"memoryBytes,omitempty"`
	NanoCPUs   int64             `json:"nanoCpus,omitempty"`
	Raw        any               `json:"-"`
}

// ContainerSpec is the tenant-submitted description of a container workload.
type ContainerSpec struct {
	Name          string            `json:"name,omitempty" yaml:"name"`
	BaseImage     string            `json:"baseImage" yaml:"baseImage"`
	RepoURL       string            `json:"repoUrl,omitempty" yaml:"repoUrl"`
	Ports         []string          `json:"ports,omitempty" yaml:"ports"`
	Volumes       []string          `json:"volumes,omitempty" yaml:"volumes"`
	Env           map[string]string `json:"env,omitempty" yaml:"env"`
	Memory        string            `json:"memory,omitempty" yaml:"memory"`
	CPU           *float64          `json:"cpu,omitempty" yaml:"cpu"`
	Dependencies  []string          `json:"dependencies,omitempty" yaml:"dependencies"`
	RestartPolicy string            `json:"restartPolicy,omitempty" yaml:"restartPolicy"`

	// MemoryBytes is filled in by validation from Memory.
	MemoryBytes int64 `json:"-" yaml:"-"`
}
