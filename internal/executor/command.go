package executor

import (
	"accessd/internal/config"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// maxLogTail bounds how much process output is kept for failure messages.
const maxLogTail = 4096

// CommandConfig maps job types to the argv of a local program.
type CommandConfig struct {
	Commands map[string][]string
}

// LoadCommandConfigFromEnv reads MATRIX_COMMAND and MODEL_COMMAND.
func LoadCommandConfigFromEnv() CommandConfig {
	cfg := CommandConfig{Commands: make(map[string][]string)}
	for jobType, key := range map[string]string{"matrix": "MATRIX_COMMAND", "model": "MODEL_COMMAND"} {
		if argv := strings.Fields(config.GetEnv(key, "")); len(argv) > 0 {
			cfg.Commands[jobType] = argv
		}
	}
	return cfg
}

// CommandBackend runs each job as a local process. The process receives
// the job as JSON on stdin, runs inside the output directory, and signals
// failure with a non-zero exit status.
type CommandBackend struct {
	commands map[string][]string
	logger   *slog.Logger
}

// NewCommandBackend creates a backend from cfg.
func NewCommandBackend(cfg CommandConfig) *CommandBackend {
	return &CommandBackend{
		commands: cfg.Commands,
		logger:   slog.With("component", "executor", "backend", "command"),
	}
}

// commandPayload is written to the process's stdin.
type commandPayload struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Orders map[string]any `json:"orders"`
}

// Run implements Backend.
func (b *CommandBackend) Run(ctx context.Context, inv Invocation) error {
	argv, ok := b.commands[inv.Type]
	if !ok || len(argv) == 0 {
		return fmt.Errorf("no command configured for job type %q", inv.Type)
	}

	payload, err := json.Marshal(commandPayload{
		JobID:  inv.JobID,
		Type:   inv.Type,
		Orders: inv.Params(func(in Input) string { return in.Path }),
	})
	if err != nil {
		return fmt.Errorf("encode orders: %w", err)
	}

	tail := &tailBuffer{limit: maxLogTail}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inv.OutputDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.Env = append(os.Environ(),
		"JOB_ID="+inv.JobID,
		"JOB_TYPE="+inv.Type,
		"OUTPUT_DIR="+inv.OutputDir,
	)

	logger := b.logger.With("jobId", inv.JobID, "command", argv[0])
	logger.Debug("Starting process")
	if err := cmd.Run(); err != nil {
		if out := strings.TrimSpace(tail.String()); out != "" {
			return fmt.Errorf("%w: %s", err, out)
		}
		return err
	}
	logger.Debug("Process exited")
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
