package pool

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Environment passed to spawned workers.
const (
	EnvWorkerRole = "BIFROST_ROLE"
	EnvWorkerID   = "BIFROST_WORKER_ID"

	RoleWorker = "worker"
)

// Process is one managed worker child. The wait goroutine owns cmd.Wait;
// everyone else observes the exit through the channel.
type Process struct {
	WorkerID  string
	StartedAt time.Time

	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

// NewWorkerID mints a short unique worker name.
func NewWorkerID() string {
	return fmt.Sprintf("worker-%s", uuid.New().String()[:8])
}

// Spawn starts a worker child. binary may be a dedicated worker executable
// or this process's own binary, which re-enters as a worker via the role
// environment variable.
func Spawn(binary, workerID string) (*Process, error) {
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		EnvWorkerRole+"="+RoleWorker,
		EnvWorkerID+"="+workerID,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", workerID, err)
	}

	p := &Process{
		WorkerID:  workerID,
		StartedAt: time.Now(),
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// WaitErr returns the cmd.Wait error. Only valid after Exited is closed.
func (p *Process) WaitErr() error {
	return p.err
}

// Terminate asks the child to drain with SIGTERM, waits out the grace
// period, then kills it. Returns once the child has been reaped.
func (p *Process) Terminate(grace time.Duration) {
	if !p.Alive() {
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
		return
	case <-time.After(grace):
	}

	_ = p.cmd.Process.Kill()
	<-p.exited
}
