package orchestrator

import (
	"context"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// Acquirer hands out live connections.
type Acquirer interface {
	Acquire(ctx context.Context, server string) (*sshproxy.Connection, error)
}

// ExecRunner runs commands by acquiring the server's connection and passing
// it to an executor.
type ExecRunner struct {
	Conns    Acquirer
	Executor *sshexec.Executor
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, server, command string, opts sshexec.Options) (*sshexec.Result, error) {
	c, err := r.Conns.Acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	return r.Executor.Run(ctx, c, command, opts)
}
