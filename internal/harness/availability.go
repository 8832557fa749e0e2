package harness

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const defaultAgentBinary = "claude"

// Availability captures which runtime tools are present on PATH.
type Availability struct {
	Git         bool
	Agent       bool
	AgentBinary string
	AgentPath   string
}

// Missing returns the names of absent tools in deterministic order.
func (a Availability) Missing() []string {
	missing := make([]string, 0, 2)
	if !a.Git {
		missing = append(missing, "git")
	}
	if !a.Agent {
		missing = append(missing, a.AgentBinary)
	}
	return missing
}

// CheckAvailability reports tool availability for the configured agent binary.
//
// git is required for workspace isolation, but its absence is not fatal: the
// coordinator degrades to running in the repository root. A missing agent binary
// is an error because no run can start without it.
func CheckAvailability(agentBinary string) (Availability, []string, error) {
	return checkAvailability(agentBinary, exec.LookPath)
}

func checkAvailability(
	agentBinary string,
	lookPath func(file string) (string, error),
) (Availability, []string, error) {
	if lookPath == nil {
		return Availability{}, nil, errors.New("lookPath function is required")
	}

	binary := strings.TrimSpace(agentBinary)
	if binary == "" {
		binary = defaultAgentBinary
	}

	availability := Availability{AgentBinary: binary}
	if _, err := lookPath("git"); err == nil {
		availability.Git = true
	}
	if path, err := lookPath(binary); err == nil {
		availability.Agent = true
		availability.AgentPath = path
	}

	warnings := []string{}
	if !availability.Git {
		warnings = append(warnings, "git not found on PATH; runs will execute in the repository root without isolation")
	}
	if !availability.Agent {
		return availability, warnings, fmt.Errorf("agent binary %q not found on PATH", binary)
	}
	return availability, warnings, nil
}
