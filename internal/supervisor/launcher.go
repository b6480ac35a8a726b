package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ExecLauncher spawns workers by re-executing the current binary with the
// worker subcommand. Workers inherit stdout/stderr so their logs land in
// the same stream as the control plane's.
type ExecLauncher struct {
	// Binary overrides the executable; empty means the running one.
	Binary string
	// ConfigPath is forwarded to the worker as --config when set.
	ConfigPath string
}

func (l *ExecLauncher) Launch(cameraID int64) (Proc, error) {
	bin := l.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
		}
		bin = exe
	}
	args := []string{"worker", "--camera", strconv.FormatInt(cameraID, 10)}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	p := &execProc{cmd: cmd, done: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProc struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *execProc) PID() int                   { return p.cmd.Process.Pid }
func (p *execProc) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProc) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProc) Done() <-chan struct{}      { return p.done }

func (p *execProc) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	var ee *exec.ExitError
	if errors.As(p.waitErr, &ee) {
		return ee.ExitCode()
	}
	if p.waitErr != nil {
		return -1
	}
	return 0
}
