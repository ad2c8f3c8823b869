package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Snapshot grabs a single jpeg frame of the live stream.
func (d *Local) Snapshot(ctx context.Context) ([]byte, error) {
	if d.cfg.StreamURL == "" {
		return nil, ErrNoStream
	}

	// context to kill the process if not complete in time
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SnapshotTimeout)
	defer cancel()

	args := []string{"-hide_banner"}
	if strings.HasPrefix(d.cfg.StreamURL, "rtsp") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", d.cfg.StreamURL, "-frames:v", "1", "-f", "mjpeg", "pipe:1")

	jpg, err := d.grab(ctx, d.cfg.VideoProcessor, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", d.cfg.ID, err)
	}
	if len(jpg) == 0 {
		return nil, fmt.Errorf("snapshot of %s: empty image", d.cfg.ID)
	}

	return jpg, nil
}

func output(ctx context.Context, name string, arg ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return nil, err
	}

	return out, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}

	return s
}
