package ingest

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/errors"
	"medscribe/internal/logging"
)

const component = "ingest"

// Upload is the raw audio as received from the caller.
type Upload struct {
	Filename         string
	ContentType      string
	Data             []byte
	DeclaredDuration time.Duration
}

type Limits struct {
	MaxBytes    int64
	MaxDuration time.Duration
	Formats     []Format
}

func DefaultLimits() Limits {
	return Limits{
		MaxBytes:    50 << 20,
		MaxDuration: 30 * time.Minute,
		Formats:     []Format{FormatWAV, FormatMP3, FormatWebM, FormatOGG, FormatM4A, FormatFLAC},
	}
}

// Asset is an accepted, stored recording.
type Asset struct {
	Ref        string
	Format     Format
	SourceSize int64
	SizeBytes  int64
	Duration   time.Duration
	SampleRate int
	Channels   int
	Normalized bool
}

type Adapter struct {
	limits     Limits
	prober     Prober
	normalizer Normalizer
	store      Store
}

func NewAdapter(limits Limits, prober Prober, normalizer Normalizer, store Store) *Adapter {
	return &Adapter{limits: limits, prober: prober, normalizer: normalizer, store: store}
}

// Store returns the audio store so the pipeline can read assets back.
func (a *Adapter) Store() Store {
	return a.store
}

// Ingest validates the upload and stores its canonical encoding. All
// rejections are validation errors naming the offending field.
func (a *Adapter) Ingest(ctx context.Context, up Upload) (Asset, error) {
	logger := logging.NewLogger(ctx).WithField("component", component)

	size := int64(len(up.Data))
	if size == 0 {
		return Asset{}, errors.Validation(component, "audio", "audio file is empty")
	}
	if a.limits.MaxBytes > 0 && size > a.limits.MaxBytes {
		return Asset{}, errors.Validation(component, "audio",
			"audio file is %d bytes, limit is %d", size, a.limits.MaxBytes)
	}

	format, ok := DetectFormat(up.Data, up.Filename, up.ContentType)
	if !ok || !slices.Contains(a.limits.Formats, format) {
		return Asset{}, errors.Validation(component, "audio", "unsupported audio format %q", string(format))
	}

	info, err := a.prober.Probe(ctx, format, up.Data)
	switch {
	case err == nil:
	case errors.Is(err, ErrProbeUnavailable):
		logger.Debugf("no prober for %s, using declared duration", format)
	case ctx.Err() != nil:
		return Asset{}, ctx.Err()
	default:
		return Asset{}, errors.Validation(component, "audio", "malformed %s audio: %v", format, err)
	}
	duration := info.Duration
	if duration <= 0 {
		duration = up.DeclaredDuration
	}
	if err := a.checkDuration(duration); err != nil {
		return Asset{}, err
	}

	asset := Asset{
		Format:     format,
		SourceSize: size,
		Duration:   duration,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}
	data := up.Data
	if format.needsConversion() {
		if a.normalizer.Available() {
			converted, err := a.normalizer.ToWAV(ctx, format, up.Data)
			if err != nil {
				return Asset{}, errors.Validation(component, "audio", "audio could not be decoded: %v", err)
			}
			// the decoded stream is the authoritative duration
			decoded, err := probeWAV(converted)
			if err != nil {
				return Asset{}, errors.Validation(component, "audio", "audio could not be decoded: %v", err)
			}
			if err := a.checkDuration(decoded.Duration); err != nil {
				return Asset{}, err
			}
			data = converted
			asset.Duration = decoded.Duration
			asset.Format = FormatWAV
			asset.SampleRate = CanonicalSampleRate
			asset.Channels = CanonicalChannels
			asset.Normalized = true
		} else {
			logger.Warnf("ffmpeg not available, storing %s audio unconverted", format)
		}
	}

	ref, err := a.store.Put(ctx, fmt.Sprintf("%s.%s", uuid.NewString(), asset.Format), data)
	if err != nil {
		return Asset{}, fmt.Errorf("store audio: %w", err)
	}
	asset.Ref = ref
	asset.SizeBytes = int64(len(data))

	logger.WithFields(map[string]any{
		"format":     asset.Format,
		"size_bytes": asset.SizeBytes,
		"duration":   asset.Duration.String(),
		"normalized": asset.Normalized,
	}).Infof("audio accepted")
	return asset, nil
}

func (a *Adapter) checkDuration(d time.Duration) error {
	if d <= 0 {
		return errors.Validation(component, "duration_seconds", "audio duration could not be determined")
	}
	if a.limits.MaxDuration > 0 && d > a.limits.MaxDuration {
		return errors.Validation(component, "duration_seconds",
			"audio is %s long, limit is %s", d.Round(time.Second), a.limits.MaxDuration)
	}
	return nil
}
