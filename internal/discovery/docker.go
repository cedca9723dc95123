package discovery

import (
	"context"
	"fmt"
	"iter"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/dyluth/flowmirror/internal/docker"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// ContainerLister is the subset of the Docker client the scanner needs.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// DockerScanner discovers sources from container labels.
//
// Running containers yield a record with contact info. Stopped containers
// yield a record without one. Removed containers yield nothing.
type DockerScanner struct {
	cli    ContainerLister
	labels docker.Labels
	host   string
}

// NewDockerScanner creates a scanner. An empty host is resolved with ResolveHost.
func NewDockerScanner(cli ContainerLister, labels docker.Labels, host string) *DockerScanner {
	if host == "" {
		host = ResolveHost()
	}
	return &DockerScanner{cli: cli, labels: labels, host: host}
}

// Scan implements Scanner.
func (s *DockerScanner) Scan(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		containers, err := s.cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", s.labels.SourceFilter())),
		})
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to list containers: %w", err))
			return
		}

		// Several containers can carry the same id across restarts; a running
		// one wins over stopped leftovers.
		byID := make(map[string]Record)
		for _, c := range containers {
			rec, err := s.parse(c)
			if err != nil {
				log.Printf("[Discovery] Skipping container %s: %v", shortID(c.ID), err)
				continue
			}
			if existing, ok := byID[rec.ID()]; ok && existing.Contact != nil {
				continue
			}
			byID[rec.ID()] = rec
		}

		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if !yield(byID[id], nil) {
				return
			}
		}
	}
}

func (s *DockerScanner) parse(c types.Container) (Record, error) {
	rec := Record{
		Owner: c.Labels[s.labels.Owner()],
		Name:  c.Labels[s.labels.Name()],
	}
	if rec.Owner == "" || rec.Name == "" {
		return Record{}, fmt.Errorf("%w: missing owner or name label", ErrInvalidRecord)
	}

	if c.State != "running" {
		return rec, nil
	}

	contact, err := s.contact(c.Labels)
	if err != nil {
		// Unreachable running source is treated like a stopped one
		log.Printf("[Discovery] Source %s has unusable contact labels: %v", rec.ID(), err)
		return rec, nil
	}
	contact.Owner = rec.Owner
	contact.Name = rec.Name
	rec.Contact = contact
	return rec, nil
}

func (s *DockerScanner) contact(labels map[string]string) (*remote.Contact, error) {
	port, err := parsePort(labels[s.labels.Port()])
	if err != nil {
		return nil, fmt.Errorf("%w: port: %v", ErrInvalidRecord, err)
	}

	publishPort := port
	if raw, ok := labels[s.labels.PublishPort()]; ok {
		if publishPort, err = parsePort(raw); err != nil {
			return nil, fmt.Errorf("%w: publish port: %v", ErrInvalidRecord, err)
		}
	}

	api, err := strconv.Atoi(labels[s.labels.APIVersion()])
	if err != nil {
		return nil, fmt.Errorf("%w: api version: %v", ErrInvalidRecord, err)
	}

	runID := labels[s.labels.RunID()]
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("%w: run id %q: %v", ErrInvalidRecord, runID, err)
	}

	return &remote.Contact{
		Host:         s.host,
		Port:         port,
		PublishPort:  publishPort,
		InstanceUUID: runID,
		APIVersion:   api,
	}, nil
}

// parsePort accepts "6379" and "6379/tcp".
func parsePort(raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("label missing")
	}
	proto, portStr := nat.SplitProtoPort(raw)
	if proto != "tcp" {
		return 0, fmt.Errorf("unsupported protocol %q", proto)
	}
	port, err := nat.ParsePort(portStr)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, fmt.Errorf("port cannot be 0")
	}
	return port, nil
}

// ResolveHost returns the hostname published source ports are reachable on.
// Inside a container it is host.docker.internal, otherwise localhost.
func ResolveHost() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}
	return "localhost"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
