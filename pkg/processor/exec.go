// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/qserver/qserver/pkg/task"
)

// ExecExecutor runs each task in a freshly spawned child process: the server
// binary re-executed with the hidden run-task command, the envelope on
// stdin. The provider keeps per-process caches that must not leak between
// jobs, so every job gets its own address space. The child opens its own
// queue and index connections; sockets are never inherited across the
// process boundary.
type ExecExecutor struct {
	// ConfigPath is forwarded to the child so it rebuilds the same
	// provider, index and queue clients.
	ConfigPath string
}

// Execute implements Executor.
func (e *ExecExecutor) Execute(ctx context.Context, env *task.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate server binary: %w", err)
	}
	cmd := exec.CommandContext(ctx, exe, "run-task", "--config", e.ConfigPath)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("task child process: %w", err)
	}
	return nil
}
