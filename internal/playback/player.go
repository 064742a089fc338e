// Package playback hands synthesized audio to the host's audio player.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Player plays a WAV file and returns once playback has finished.
type Player interface {
	Play(ctx context.Context, path string) error
}

const filePlaceholder = "{file}"

// ExecPlayer runs an external command per file. The command may reference
// the file with {file}; otherwise the path is appended as the last argument.
type ExecPlayer struct {
	args []string
}

// NewExecPlayer parses command with shell quoting rules. An empty command
// picks the platform default.
func NewExecPlayer(command string) (*ExecPlayer, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand(runtime.GOOS)
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}
	return &ExecPlayer{args: args}, nil
}

// DefaultCommand is the stock blocking WAV player for goos.
func DefaultCommand(goos string) string {
	switch goos {
	case "darwin":
		return "afplay"
	case "windows":
		return `powershell -NoProfile -NonInteractive -Command "(New-Object Media.SoundPlayer '{file}').PlaySync()"`
	default:
		return "aplay -q"
	}
}

func (p *ExecPlayer) Play(ctx context.Context, path string) error {
	args := p.argv(path)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

func (p *ExecPlayer) argv(path string) []string {
	out := make([]string, 0, len(p.args)+1)
	substituted := false
	for _, a := range p.args {
		if strings.Contains(a, filePlaceholder) {
			a = strings.ReplaceAll(a, filePlaceholder, path)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, path)
	}
	return out
}
