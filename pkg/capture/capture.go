// Package capture grabs screen frames for the commentary engine.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nlaroche/glazebot/pkg/core"
)

// Frame is one captured image.
type Frame struct {
	DataURI string `json:"data_uri"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// Base64 returns the image payload without the data-URI prefix.
func (f Frame) Base64() string {
	if i := strings.Index(f.DataURI, ","); i >= 0 && strings.HasPrefix(f.DataURI, "data:") {
		return f.DataURI[i+1:]
	}
	return f.DataURI
}

// Size returns the encoded payload length in bytes.
func (f Frame) Size() int {
	return len(f.Base64())
}

// Grabber captures a frame from a share source.
type Grabber interface {
	Grab(ctx context.Context, sourceID string) (Frame, error)
}

// CommandGrabber runs an external capture command with the source id as the
// final argument. The command prints either a JSON object
// {"data_uri","width","height"} or a bare data URI on stdout.
type CommandGrabber struct {
	Command string
	Args    []string
}

func NewCommandGrabber(command string, args ...string) *CommandGrabber {
	return &CommandGrabber{Command: command, Args: args}
}

func (g *CommandGrabber) Grab(ctx context.Context, sourceID string) (Frame, error) {
	if strings.TrimSpace(g.Command) == "" {
		return Frame{}, core.NewCaptureError(errors.New("capture command is not configured"))
	}
	args := append(append([]string{}, g.Args...), sourceID)
	cmd := exec.CommandContext(ctx, g.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return Frame{}, core.NewCaptureError(err)
	}
	return ParseFrame(stdout.Bytes())
}

// ParseFrame decodes capture command output.
func ParseFrame(out []byte) (Frame, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Frame{}, core.NewCaptureError(errors.New("capture produced no output"))
	}
	if out[0] == '{' {
		var f Frame
		if err := json.Unmarshal(out, &f); err != nil {
			return Frame{}, core.NewCaptureError(fmt.Errorf("decode capture output: %w", err))
		}
		if f.DataURI == "" {
			return Frame{}, core.NewCaptureError(errors.New("capture output has no data_uri"))
		}
		return f, nil
	}
	return Frame{DataURI: string(out)}, nil
}
