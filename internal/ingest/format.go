// Package ingest validates uploaded consultation audio and normalizes it into
// the encoding the transcription providers accept.
package ingest

import (
	"bytes"
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatWebM Format = "webm"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
	FormatFLAC Format = "flac"
)

var contentTypes = map[string]Format{
	"audio/wav":    FormatWAV,
	"audio/x-wav":  FormatWAV,
	"audio/wave":   FormatWAV,
	"audio/mpeg":   FormatMP3,
	"audio/mp3":    FormatMP3,
	"audio/webm":   FormatWebM,
	"video/webm":   FormatWebM,
	"audio/ogg":    FormatOGG,
	"audio/mp4":    FormatM4A,
	"audio/x-m4a":  FormatM4A,
	"audio/flac":   FormatFLAC,
	"audio/x-flac": FormatFLAC,
}

// DetectFormat identifies the container from its leading bytes. The file
// name and content type are consulted only when the bytes are inconclusive.
func DetectFormat(data []byte, filename, contentType string) (Format, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV, true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG, true
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM, true
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A, true
	case bytes.HasPrefix(data, []byte("ID3")):
		return FormatMP3, true
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3, true
	}

	if ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])); ct != "" {
		if f, ok := contentTypes[ct]; ok {
			return f, true
		}
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	switch Format(ext) {
	case FormatWAV, FormatMP3, FormatWebM, FormatOGG, FormatM4A, FormatFLAC:
		return Format(ext), true
	}
	return "", false
}

// needsConversion reports whether the provider-facing copy must be re-encoded.
func (f Format) needsConversion() bool {
	switch f {
	case FormatWebM, FormatOGG, FormatM4A:
		return true
	}
	return false
}
