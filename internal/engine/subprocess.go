package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
)

// SubprocessEngine shells out to an external renderer. The command receives
// the JSON-encoded GenerateParams on stdin and must write a single PNG to
// stdout. This is the seam real GPU runners plug into.
type SubprocessEngine struct {
	command string
	args    []string
	log     *logger.Logger
}

// NewSubprocessEngine splits cmdline on whitespace; the first token is the
// binary, the rest are fixed arguments.
func NewSubprocessEngine(cmdline string, log *logger.Logger) (*SubprocessEngine, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty engine command")
	}
	return &SubprocessEngine{
		command: fields[0],
		args:    fields[1:],
		log:     log.With("service", "SubprocessEngine"),
	}, nil
}

func (e *SubprocessEngine) GenerateOne(ctx context.Context, p GenerateParams) ([]byte, error) {
	input, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		e.log.Error("engine subprocess failed",
			"command", e.command,
			"stderr", truncate(stderr.String(), 2048),
			"error", err)
		return nil, fmt.Errorf("engine subprocess: %w", err)
	}

	data := stdout.Bytes()
	if _, _, _, err := DecodePNG(data); err != nil {
		return nil, fmt.Errorf("engine produced invalid png: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
