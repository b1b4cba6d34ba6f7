package id

import (
	"os"
	"strings"

	"github.com/rs/xid"
)

// NewWorkerID mints a coordinator-assigned worker ID. IDs are opaque to
// agents and immutable for the lifetime of a registration.
func NewWorkerID() string {
	return "worker-" + xid.New().String()
}

// StableAgentName derives a human-traceable name for log output on the
// agent side. Falls back to a random ID on hosts without a machine-id.
func StableAgentName() string {
	if name := os.Getenv("AGENT_NAME"); name != "" {
		return cleanName(name)
	}

	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		machineID := strings.TrimSpace(string(data))
		if len(machineID) >= 12 {
			return "agent-" + machineID[:12]
		}
	}

	return "agent-" + xid.New().String()
}

func cleanName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, "_", "-")
	return s
}
