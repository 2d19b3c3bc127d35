package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology is the optional multi-host deployment file passed via --config.
// It is additive sugar over the flag-only CLI: when present, it supplies
// peer addresses and upstream chains so a deployment script doesn't need to
// pass a --address list by hand on every host.
type Topology struct {
	Peers    []string `yaml:"peers"`
	Upstream string   `yaml:"upstream,omitempty"`
}

// LoadTopology reads and parses a topology file at path.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read topology file: %w", err)
	}

	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parse topology file: %w", err)
	}
	return &t, nil
}

// ApplyTo overlays the topology onto args, filling --address only where it
// is empty or left at its "0.0.0.0" default, and --upstream only where it
// is empty.
func (t *Topology) ApplyTo(a *Args) {
	if a.Address == "" || a.Address == "0.0.0.0" {
		if len(t.Peers) > 0 {
			a.Address = joinPeers(t.Peers)
		}
	}
	if a.Upstream == "" {
		a.Upstream = t.Upstream
	}
}

func joinPeers(peers []string) string {
	out := peers[0]
	for _, p := range peers[1:] {
		out += "," + p
	}
	return out
}
