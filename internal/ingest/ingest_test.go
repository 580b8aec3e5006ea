package ingest

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscribe/internal/errors"
)

// makeWAV encodes seconds of silence as 16-bit PCM.
func makeWAV(t *testing.T, seconds, sampleRate, channels int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Data:   make([]int, seconds*sampleRate*channels),
		Format: &audio.Format{SampleRate: sampleRate, NumChannels: channels},
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func newAdapter(limits Limits) (*Adapter, *MemoryStore) {
	store := NewMemoryStore()
	return NewAdapter(limits, Prober{}, Normalizer{}, store), store
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		filename    string
		contentType string
		want        Format
		ok          bool
	}{
		{"wav magic", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), "", "", FormatWAV, true},
		{"flac magic", []byte("fLaC\x00\x00"), "", "", FormatFLAC, true},
		{"ogg magic", []byte("OggS\x00"), "x.webm", "", FormatOGG, true},
		{"webm magic", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, "", "", FormatWebM, true},
		{"m4a ftyp", []byte("\x00\x00\x00\x20ftypM4A "), "", "", FormatM4A, true},
		{"mp3 id3", []byte("ID3\x04\x00"), "", "", FormatMP3, true},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90}, "", "", FormatMP3, true},
		{"content type hint", []byte("????"), "", "audio/mpeg; charset=binary", FormatMP3, true},
		{"extension hint", []byte("????"), "visit.FLAC", "", FormatFLAC, true},
		{"unknown", []byte("hello world"), "notes.txt", "text/plain", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectFormat(tt.data, tt.filename, tt.contentType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIngestSixtySecondWAV(t *testing.T) {
	adapter, store := newAdapter(DefaultLimits())
	data := makeWAV(t, 60, 8000, 1)

	asset, err := adapter.Ingest(context.Background(), Upload{Filename: "visit.wav", Data: data})
	require.NoError(t, err)

	assert.Equal(t, FormatWAV, asset.Format)
	assert.Equal(t, 60*time.Second, asset.Duration)
	assert.Equal(t, 8000, asset.SampleRate)
	assert.Equal(t, 1, asset.Channels)
	assert.Equal(t, int64(len(data)), asset.SizeBytes)
	assert.False(t, asset.Normalized)

	stored, err := store.Get(context.Background(), asset.Ref)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestIngestRejections(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDuration = 30 * time.Second
	limits.MaxBytes = 1 << 20
	adapter, _ := newAdapter(limits)

	tests := []struct {
		name  string
		up    Upload
		field string
	}{
		{"empty", Upload{Filename: "a.wav"}, "audio"},
		{"too large", Upload{Data: make([]byte, 2<<20)}, "audio"},
		{"unsupported", Upload{Filename: "a.txt", Data: []byte("plain text")}, "audio"},
		{"malformed wav", Upload{Data: []byte("RIFF\x00\x00\x00\x00WAVEjunkjunk")}, "audio"},
		{"too long", Upload{Data: makeWAV(t, 40, 8000, 1)}, "duration_seconds"},
		{"undecodable mp3", Upload{
			Filename:         "visit.mp3",
			ContentType:      "audio/mpeg",
			Data:             bytes.Repeat([]byte("not audio at all "), 4096),
			DeclaredDuration: time.Second,
		}, "audio"},
		{"id3 tag without frames", Upload{Data: []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), DeclaredDuration: time.Second}, "audio"},
		{"unknown duration", Upload{Data: []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00, 0x00}}, "duration_seconds"},
		{"declared duration over limit", Upload{Data: []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00, 0x00}, DeclaredDuration: time.Minute}, "duration_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adapter.Ingest(context.Background(), tt.up)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))
			assert.Equal(t, tt.field, errors.FieldOf(err))
		})
	}
}

func TestIngestDeclaredDurationFallback(t *testing.T) {
	adapter, _ := newAdapter(DefaultLimits())

	asset, err := adapter.Ingest(context.Background(), Upload{
		Filename:         "visit.ogg",
		Data:             []byte("OggS\x00\x02\x00\x00"),
		DeclaredDuration: 90 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatOGG, asset.Format)
	assert.Equal(t, 90*time.Second, asset.Duration)
}

// makeMP3 builds silent MPEG-1 Layer III mono frames at 128 kbps, 44.1 kHz.
func makeMP3(frames int) []byte {
	const frameSize = 417
	var buf bytes.Buffer
	for range frames {
		frame := make([]byte, frameSize)
		copy(frame, []byte{0xFF, 0xFB, 0x90, 0xC0})
		buf.Write(frame)
	}
	return buf.Bytes()
}

func TestIngestMeasuresMP3Duration(t *testing.T) {
	adapter, _ := newAdapter(DefaultLimits())

	// 100 frames of 1152 samples
	asset, err := adapter.Ingest(context.Background(), Upload{
		Filename:         "visit.mp3",
		Data:             makeMP3(100),
		DeclaredDuration: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatMP3, asset.Format)
	assert.Equal(t, 44100, asset.SampleRate)
	assert.InDelta(t, 2.61, asset.Duration.Seconds(), 0.05)
}

func TestIngestRejectsAudioFFprobeCannotRead(t *testing.T) {
	failing, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false is not installed")
	}
	adapter := NewAdapter(DefaultLimits(), Prober{FFprobePath: failing}, Normalizer{}, NewMemoryStore())

	_, err = adapter.Ingest(context.Background(), Upload{
		Filename:         "visit.ogg",
		Data:             []byte("OggS\x00\x02\x00\x00"),
		DeclaredDuration: time.Minute,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, "audio", errors.FieldOf(err))
}

func TestIngestWithoutFFmpegKeepsSource(t *testing.T) {
	adapter, _ := newAdapter(DefaultLimits())

	asset, err := adapter.Ingest(context.Background(), Upload{
		Data:             []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00, 0x00},
		DeclaredDuration: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, FormatWebM, asset.Format)
	assert.False(t, asset.Normalized)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), "a.wav", []byte("abc"))
	require.NoError(t, err)

	data, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = store.Get(context.Background(), "file://missing.wav")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
