package models

import (
	"errors"
	"fmt"
	"strings"
)

// Machine is the record stored in a machine node of a cell. It describes the
// worker that owns the node; the node path itself is the machine identity.
// Shared between the coordination client, the agent and the codec.
type Machine struct {
	Name         string            `json:"name,omitempty"`
	Region       string            `json:"region,omitempty"`
	Hostname     string            `json:"hostname,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate reports whether m can be written to a machine node.
func (m *Machine) Validate() error {
	if m == nil {
		return errors.New("machine record is nil")
	}
	for k := range m.Metadata {
		if strings.TrimSpace(k) == "" {
			return errors.New("machine metadata key is empty")
		}
	}
	for i, c := range m.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("machine capability %d is empty", i)
		}
	}
	return nil
}
