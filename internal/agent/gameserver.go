package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Gizmo3030/lgsm-hub/internal/models"
)

// GameServerManager defines the operations the agent performs against the
// game-server installation it fronts
type GameServerManager interface {
	// Instances lists the instance names currently running
	Instances(ctx context.Context) ([]string, error)

	// Telemetry samples host resource usage
	Telemetry(ctx context.Context) (*models.Metrics, error)

	// Run executes one control verb against an instance and returns the
	// combined script output
	Run(ctx context.Context, instance, verb string) (string, error)

	// OpenLog follows an instance's console log. The returned reader keeps
	// producing lines until closed.
	OpenLog(ctx context.Context, instance string) (io.ReadCloser, error)
}

// LGSMManagerConfig holds configuration for the LGSM-backed manager
type LGSMManagerConfig struct {
	// InstallDir is the directory holding the instance scripts
	InstallDir string
}

// lgsmManager drives LinuxGSM instance scripts. Each instance is a tmux
// session named after its script, started and stopped through the script
// itself.
type lgsmManager struct {
	installDir string
}

// NewLGSMManager creates a manager over an LGSM installation directory
func NewLGSMManager(config LGSMManagerConfig) GameServerManager {
	return &lgsmManager{installDir: config.InstallDir}
}

// Instances lists running tmux sessions, one per active game server
func (m *lgsmManager) Instances(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "ls")
	out, err := cmd.Output()
	if err != nil {
		// tmux exits non-zero when no server is running; that is an
		// empty fleet, not a failure
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list tmux sessions: %w", err)
	}

	var instances []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if name, _, found := strings.Cut(line, ":"); found && name != "" {
			instances = append(instances, name)
		}
	}
	return instances, nil
}

// Telemetry samples CPU, memory and disk usage for the install volume
func (m *lgsmManager) Telemetry(ctx context.Context) (*models.Metrics, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(cpuPercents) == 0 {
		return nil, fmt.Errorf("failed to sample cpu: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, m.installDir)
	if err != nil {
		return nil, fmt.Errorf("failed to sample disk: %w", err)
	}

	return &models.Metrics{
		CPUPercent:  cpuPercents[0],
		RAMPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
	}, nil
}

// Run invokes the instance script with the given verb and waits for it
// to finish
func (m *lgsmManager) Run(ctx context.Context, instance, verb string) (string, error) {
	script := filepath.Join(m.installDir, instance)
	cmd := exec.CommandContext(ctx, script, verb)
	cmd.Dir = m.installDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s failed: %w", instance, verb, err)
	}
	return string(out), nil
}

// OpenLog follows the instance's console log file. LGSM writes console
// output to log/console/<instance>-console.log under the install dir.
func (m *lgsmManager) OpenLog(ctx context.Context, instance string) (io.ReadCloser, error) {
	logPath := filepath.Join(m.installDir, "log", "console", instance+"-console.log")

	cmd := exec.CommandContext(ctx, "tail", "-n", "50", "-F", logPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open log pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start log tail: %w", err)
	}

	return &tailReader{cmd: cmd, stdout: stdout}, nil
}

// tailReader wraps a tail process so closing the reader also reaps the
// process
type tailReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (t *tailReader) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

func (t *tailReader) Close() error {
	_ = t.cmd.Process.Kill()
	_ = t.stdout.Close()
	return t.cmd.Wait()
}

// ReadLines converts a log reader into a line channel, closing the channel
// when the reader ends
func ReadLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
