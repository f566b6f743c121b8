// Package agentry loads the static agent roster (name, role, default
// skills/capabilities) from YAML and provides the thin registration
// layer that applies those defaults against internal/store's runtime
// Agent registry. The YAML shape and loader idiom are generalized from
// internal/agents/config.go's LoadTeamsConfig/GetAgentConfig, moving
// from a fixed "team" of supervisor/developer/auditor roles to an open
// roster of named worker agents with declared skills.
package agentry

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/coordinator/internal/tasks"
)

// Profile is one entry in the roster config: the static identity and
// capability declaration for an agent, applied whenever that agent
// registers or re-registers.
type Profile struct {
	Name         string         `yaml:"name"`
	Role         string         `yaml:"role"`
	Skills       []string       `yaml:"skills"`
	Capabilities map[string]any `yaml:"capabilities"`
}

// Roster is the top-level YAML document: a flat list of agent
// profiles.
type Roster struct {
	Agents []Profile `yaml:"agents"`
}

// LoadRoster reads and parses a roster YAML file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return &r, nil
}

// Find returns the profile named name, or nil if the roster doesn't
// declare one (an agent may still register without a profile).
func (r *Roster) Find(name string) *Profile {
	for i := range r.Agents {
		if r.Agents[i].Name == name {
			return &r.Agents[i]
		}
	}
	return nil
}

// ToAgent converts a profile into the tasks.Agent shape RegisterAgent
// expects, JSON-encoding Capabilities into the opaque column.
func (p *Profile) ToAgent() (*tasks.Agent, error) {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities for %s: %w", p.Name, err)
	}
	return &tasks.Agent{
		Name:         p.Name,
		Role:         p.Role,
		Skills:       p.Skills,
		Capabilities: caps,
	}, nil
}
