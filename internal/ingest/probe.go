package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/tphakala/flac"

	"medscribe/internal/errors"
)

// Info describes decoded stream properties. Zero fields are unknown.
type Info struct {
	Duration   time.Duration
	SampleRate int
	Channels   int
	BitDepth   int
}

// Prober reads stream properties. WAV, FLAC and MP3 are parsed natively,
// other containers go through ffprobe when it is installed.
type Prober struct {
	FFprobePath string
	Timeout     time.Duration
}

func (p Prober) Probe(ctx context.Context, format Format, data []byte) (Info, error) {
	switch format {
	case FormatWAV:
		return probeWAV(data)
	case FormatFLAC:
		return probeFLAC(data)
	case FormatMP3:
		return probeMP3(data)
	default:
		return p.ffprobe(ctx, format, data)
	}
}

func probeWAV(data []byte) (Info, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Info{}, fmt.Errorf("invalid WAV file format")
	}
	d, err := decoder.Duration()
	if err != nil {
		return Info{}, fmt.Errorf("read WAV duration: %w", err)
	}
	return Info{
		Duration:   d,
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}, nil
}

func probeFLAC(data []byte) (Info, error) {
	decoder, err := flac.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("invalid FLAC stream: %w", err)
	}
	info := Info{
		SampleRate: decoder.SampleRate,
		Channels:   decoder.NChannels,
		BitDepth:   decoder.BitsPerSample,
	}
	if decoder.SampleRate > 0 {
		info.Duration = time.Duration(float64(decoder.TotalSamples) / float64(decoder.SampleRate) * float64(time.Second))
	}
	return info, nil
}

// mp3DecodedFrameBytes is the decoder's output size per sample: 16-bit stereo.
const mp3DecodedFrameBytes = 4

// probeMP3 walks the frame headers to size the stream.
func probeMP3(data []byte) (Info, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("invalid MP3 stream: %w", err)
	}
	rate := decoder.SampleRate()
	length := decoder.Length()
	if rate <= 0 || length <= 0 {
		return Info{}, fmt.Errorf("MP3 stream has no audio frames")
	}
	samples := length / mp3DecodedFrameBytes
	return Info{
		Duration:   time.Duration(float64(samples) / float64(rate) * float64(time.Second)),
		SampleRate: rate,
	}, nil
}

// ErrProbeUnavailable means no prober could read the container.
var ErrProbeUnavailable = errors.NewStd("ffprobe is not available")

func (p Prober) ffprobe(ctx context.Context, format Format, data []byte) (Info, error) {
	if p.FFprobePath == "" {
		return Info{}, ErrProbeUnavailable
	}
	binary, err := exec.LookPath(p.FFprobePath)
	if err != nil {
		return Info{}, ErrProbeUnavailable
	}

	path, cleanup, err := writeTemp(data, format)
	if err != nil {
		return Info{}, err
	}
	defer cleanup()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Info{}, ctx.Err()
		}
		return Info{}, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return Info{}, fmt.Errorf("parse ffprobe duration %q: %w", out.String(), err)
	}
	return Info{Duration: time.Duration(seconds * float64(time.Second))}, nil
}

func writeTemp(data []byte, format Format) (string, func(), error) {
	f, err := os.CreateTemp("", "medscribe-*."+string(format))
	if err != nil {
		return "", nil, fmt.Errorf("create temp audio: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp audio: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}
