package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Canonical encoding handed to the transcription providers.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
)

// Normalizer re-encodes browser containers into 16 kHz mono 16-bit WAV.
type Normalizer struct {
	FFmpegPath string
}

// Available reports whether ffmpeg can be executed.
func (n Normalizer) Available() bool {
	if n.FFmpegPath == "" {
		return false
	}
	_, err := exec.LookPath(n.FFmpegPath)
	return err == nil
}

func (n Normalizer) ToWAV(ctx context.Context, format Format, data []byte) ([]byte, error) {
	binary, err := exec.LookPath(n.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg is not available: %w", err)
	}

	in, cleanupIn, err := writeTemp(data, format)
	if err != nil {
		return nil, err
	}
	defer cleanupIn()

	out, err := os.CreateTemp("", "medscribe-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer func() { _ = os.Remove(outPath) }()

	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-ar", fmt.Sprint(CanonicalSampleRate),
		"-ac", fmt.Sprint(CanonicalChannels),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg conversion failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	converted, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted audio: %w", err)
	}
	return converted, nil
}
