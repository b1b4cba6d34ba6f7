package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
)

// Launcher starts and stops local service processes so they match the
// coordinator's assignment. Commands come from a services.json manifest
// mapping service IDs to argv, with SERVICE_CMD_<ID> env vars as overrides.
type Launcher struct {
	mu       sync.Mutex
	manifest map[string][]string
	running  map[string]*process
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func NewLauncher(manifest map[string][]string) *Launcher {
	if manifest == nil {
		manifest = make(map[string][]string)
	}
	return &Launcher{
		manifest: manifest,
		running:  make(map[string]*process),
	}
}

// LoadManifest reads a JSON file of the form
// {"rag-service": ["python3", "-m", "rag"], ...}.
func LoadManifest(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service manifest: %w", err)
	}
	var manifest map[string][]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse service manifest: %w", err)
	}
	return manifest, nil
}

// Reconcile brings the set of running processes in line with the assigned
// services: missing ones are started, removed ones stopped, and crashed
// ones restarted.
func (l *Launcher) Reconcile(services []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := make(map[string]bool, len(services))
	for _, serviceID := range services {
		want[serviceID] = true
	}

	for serviceID, p := range l.running {
		if !want[serviceID] {
			logger.Info("stopping service", "service", serviceID)
			stopProcess(p)
			delete(l.running, serviceID)
		}
	}

	for _, serviceID := range services {
		if p, ok := l.running[serviceID]; ok {
			select {
			case <-p.done:
				logger.Warn("service exited, restarting", "service", serviceID)
				delete(l.running, serviceID)
			default:
				continue
			}
		}
		l.startLocked(serviceID)
	}
}

func (l *Launcher) startLocked(serviceID string) {
	argv := l.commandFor(serviceID)
	if len(argv) == 0 {
		logger.Warn("no command configured for service", "service", serviceID)
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "SERVICE_ID="+serviceID)
	if err := cmd.Start(); err != nil {
		logger.Error("failed to start service", "service", serviceID, "error", err)
		return
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	l.running[serviceID] = p
	logger.Info("service started", "service", serviceID, "pid", cmd.Process.Pid)
}

func (l *Launcher) commandFor(serviceID string) []string {
	envKey := "SERVICE_CMD_" + strings.ToUpper(strings.ReplaceAll(serviceID, "-", "_"))
	if raw := os.Getenv(envKey); raw != "" {
		return strings.Fields(raw)
	}
	return l.manifest[serviceID]
}

// Running returns the service IDs with a live process, sorted.
func (l *Launcher) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.running))
	for serviceID, p := range l.running {
		select {
		case <-p.done:
		default:
			out = append(out, serviceID)
		}
	}
	sort.Strings(out)
	return out
}

// Stop terminates every launched service. Used on shutdown and on the
// unknown-worker hard reset.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for serviceID, p := range l.running {
		logger.Info("stopping service", "service", serviceID)
		stopProcess(p)
		delete(l.running, serviceID)
	}
}

// stopProcess asks politely, then kills after a grace period.
func stopProcess(p *process) {
	select {
	case <-p.done:
		return
	default:
	}

	p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.cmd.Process.Kill()
		<-p.done
	}
}
