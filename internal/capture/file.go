package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/mossy-p/skillswap-signaling/internal/util"
)

const (
	opusSampleRate = 48000
	streamID       = "local"
)

var (
	// ErrNoDevices is returned by a source with nothing configured.
	ErrNoDevices = errors.New("no capture source configured")
	// ErrUnsupportedCodec is returned for IVF files with an unknown FourCC.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Source acquires local capture tracks.
type Source interface {
	Acquire(ctx context.Context) ([]*Track, error)
}

// FileSource plays IVF video and Ogg/Opus audio files as capture tracks. With
// Loop set, files restart at EOF; otherwise the track stops at EOF, which is how
// a finished screen share is signalled.
type FileSource struct {
	VideoPath string
	AudioPath string
	Loop      bool
	Label     string // track id prefix, e.g. "camera" or "screen"
}

// Acquire validates every configured file before any track starts playing, so a
// missing or unreadable file fails the whole acquisition.
func (s FileSource) Acquire(ctx context.Context) ([]*Track, error) {
	if s.VideoPath == "" && s.AudioPath == "" {
		return nil, ErrNoDevices
	}
	label := s.Label
	if label == "" {
		label = "camera"
	}

	var tracks []*Track
	var starts []func()

	if s.VideoPath != "" {
		mime, frame, err := probeIVF(s.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("video %s: %w", s.VideoPath, err)
		}
		t, err := NewTrack(mime, label+"-video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, t)
		starts = append(starts, func() { go playIVF(ctx, s.VideoPath, frame, s.Loop, t) })
	}

	if s.AudioPath != "" {
		if err := probeOgg(s.AudioPath); err != nil {
			return nil, fmt.Errorf("audio %s: %w", s.AudioPath, err)
		}
		t, err := NewTrack(webrtc.MimeTypeOpus, label+"-audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		tracks = append(tracks, t)
		starts = append(starts, func() { go playOgg(ctx, s.AudioPath, s.Loop, t) })
	}

	for _, start := range starts {
		start()
	}
	return tracks, nil
}

// probeIVF returns the codec and frame interval of an IVF file.
func probeIVF(path string) (string, time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", 0, fmt.Errorf("read IVF header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, header.FourCC)
	}

	frame := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		frame = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return mime, frame, nil
}

func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("read Ogg header: %w", err)
	}
	return nil
}

func playIVF(ctx context.Context, path string, frame time.Duration, loop bool, t *Track) {
	defer t.Stop()

	for {
		if !playIVFOnce(ctx, path, frame, t) || !loop {
			return
		}
		if ctx.Err() != nil || t.Stopped() {
			return
		}
	}
}

// playIVFOnce plays the file to EOF. It returns false when playback must not
// continue (cancelled, stopped or unreadable).
func playIVFOnce(ctx context.Context, path string, frame time.Duration, t *Track) bool {
	f, err := os.Open(path)
	if err != nil {
		util.LogWarning("capture: %v", err)
		return false
	}
	defer f.Close()

	ivf, _, err := ivfreader.NewWith(f)
	if err != nil {
		util.LogWarning("capture: %s: %v", path, err)
		return false
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		data, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			util.LogWarning("capture: %s: %v", path, err)
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-t.Done():
			return false
		case <-ticker.C:
		}

		if err := t.WriteSample(media.Sample{Data: data, Duration: frame}); err != nil {
			return false
		}
	}
}

func playOgg(ctx context.Context, path string, loop bool, t *Track) {
	defer t.Stop()

	for {
		if !playOggOnce(ctx, path, t) || !loop {
			return
		}
		if ctx.Err() != nil || t.Stopped() {
			return
		}
	}
}

func playOggOnce(ctx context.Context, path string, t *Track) bool {
	f, err := os.Open(path)
	if err != nil {
		util.LogWarning("capture: %v", err)
		return false
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		util.LogWarning("capture: %s: %v", path, err)
		return false
	}

	// Opus pages are typically 20ms apart.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			util.LogWarning("capture: %s: %v", path, err)
			return false
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

		select {
		case <-ctx.Done():
			return false
		case <-t.Done():
			return false
		case <-ticker.C:
		}

		if err := t.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return false
		}
	}
}
