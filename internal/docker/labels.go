package docker

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// DefaultLabelPrefix namespaces every label flowmirror reads.
const DefaultLabelPrefix = "flowmirror"

// Labels derives the label keys that mark a container as a source.
// A zero Labels uses DefaultLabelPrefix.
type Labels struct {
	Prefix string
}

func (l Labels) key(suffix string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	return prefix + ".source" + suffix
}

// Source marks the container as a source ("true").
func (l Labels) Source() string { return l.key("") }

// Owner is the user the source runs as.
func (l Labels) Owner() string { return l.key(".owner") }

// Name is the source's name, unique per owner.
func (l Labels) Name() string { return l.key(".name") }

// RunID changes every time the source is (re)started.
func (l Labels) RunID() string { return l.key(".run_id") }

// Port is the request endpoint, "6379" or "6379/tcp".
func (l Labels) Port() string { return l.key(".port") }

// PublishPort is the delta endpoint.
func (l Labels) PublishPort() string { return l.key(".publish_port") }

// APIVersion is the protocol version the source speaks.
func (l Labels) APIVersion() string { return l.key(".api") }

// SourceFilter is the docker label filter selecting source containers.
func (l Labels) SourceFilter() string {
	return fmt.Sprintf("%s=true", l.Source())
}

// SourceSpec describes one source container.
type SourceSpec struct {
	Owner       string
	Name        string
	RunID       string
	Port        int
	PublishPort int
	APIVersion  int
}

// BuildSourceLabels creates the label set a source container must carry to be
// discovered. A missing RunID gets a fresh one.
func (l Labels) BuildSourceLabels(spec SourceSpec) (map[string]string, error) {
	if spec.Owner == "" || spec.Name == "" {
		return nil, fmt.Errorf("owner and name are required")
	}
	if spec.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", spec.Port)
	}
	if spec.PublishPort == 0 {
		spec.PublishPort = spec.Port
	}
	if spec.RunID == "" {
		spec.RunID = GenerateRunID()
	}

	return map[string]string{
		l.Source():      "true",
		l.Owner():       spec.Owner,
		l.Name():        spec.Name,
		l.RunID():       spec.RunID,
		l.Port():        strconv.Itoa(spec.Port),
		l.PublishPort(): strconv.Itoa(spec.PublishPort),
		l.APIVersion():  strconv.Itoa(spec.APIVersion),
	}, nil
}

// LabelArgs renders labels as sorted `--label k=v` arguments for `docker run`.
func LabelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return args
}

// GenerateRunID creates a new UUID for a source run.
func GenerateRunID() string {
	return uuid.New().String()
}
