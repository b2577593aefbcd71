package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

// RunFile is the on-disk description of a run. Command-line flags override
// its fields.
type RunFile struct {
	Cloud        string            `yaml:"cloud"`
	Agent        string            `yaml:"agent"`
	Name         string            `yaml:"name,omitempty"`
	Command      string            `yaml:"command,omitempty"`
	Headless     bool              `yaml:"headless,omitempty"`
	DestroyAfter bool              `yaml:"destroy_after,omitempty"`
	SSHUser      string            `yaml:"ssh_user,omitempty"`
	Params       map[string]string `yaml:"params,omitempty"`

	// Agents define or override agents by name.
	Agents []spawn.Agent `yaml:"agents,omitempty"`
}

func loadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	var rf RunFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, spawn.ErrValidation(fmt.Sprintf("failed to parse run file %s", path)).WithCause(err)
	}
	for i, a := range rf.Agents {
		if a.Name == "" {
			return nil, spawn.ErrValidation(fmt.Sprintf("agent #%d in %s has no name", i+1, path))
		}
		for _, p := range a.Env {
			if !spawn.ValidEnvKey(p.Key) {
				return nil, spawn.ErrValidation(fmt.Sprintf("agent %s: invalid environment variable name %q", a.Name, p.Key))
			}
		}
	}
	return &rf, nil
}

// request resolves the agent and assembles the engine request.
func (rf *RunFile) request() (spawn.Request, error) {
	agent, err := spawn.LookupAgent(rf.Agent, rf.Agents...)
	if err != nil {
		return spawn.Request{}, err
	}
	return spawn.Request{
		Cloud:        spawn.CloudProvider(rf.Cloud),
		Agent:        agent,
		Name:         rf.Name,
		Command:      rf.Command,
		Headless:     rf.Headless,
		DestroyAfter: rf.DestroyAfter,
		SSHUser:      rf.SSHUser,
		Params:       rf.Params,
	}, nil
}
