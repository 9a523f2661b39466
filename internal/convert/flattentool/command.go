// Package flattentool runs the flatten-tool CLI as the spreadsheet unflattener.
package flattentool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/JakeFAU/datagetter/internal/convert"
)

// DefaultBinary is looked up on PATH when no explicit path is configured.
const DefaultBinary = "flatten-tool"

// runner executes a command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Command implements convert.Unflattener.
type Command struct {
	binary string
	run    runner
}

// New returns a Command invoking binary, or DefaultBinary when empty.
func New(binary string) *Command {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Command{binary: binary, run: execRunner}
}

// Unflatten runs `flatten-tool unflatten` for req.
func (c *Command) Unflatten(ctx context.Context, req convert.UnflattenRequest) error {
	out, err := c.run(ctx, c.binary, Args(req)...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 2000 {
			msg = msg[len(msg)-2000:]
		}
		if msg == "" {
			return fmt.Errorf("run %s: %w", c.binary, err)
		}
		return fmt.Errorf("run %s: %w: %s", c.binary, err, msg)
	}
	return nil
}

// Args builds the flatten-tool argument list for req.
func Args(req convert.UnflattenRequest) []string {
	args := []string{
		"unflatten", req.Input,
		"--input-format", string(req.Format),
		"--output-name", req.Output,
		"--root-list-path", "grants",
		"--root-id=",
		"--convert-titles",
		"--encoding", req.Encoding,
		"--metatab-name", "Meta",
		"--metatab-vertical-orientation",
		"--default-configuration", "hashcomments",
	}
	if req.Schema != "" {
		args = append(args, "--schema", req.Schema)
	}
	if req.PackageSchema != "" {
		args = append(args, "--metatab-schema", req.PackageSchema)
	}
	return args
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binary comes from operator config
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
