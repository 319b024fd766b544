// Package capture provides the local media tracks a participant sends: sample
// tracks fed from IVF (video) and Ogg/Opus (audio) files, with enable and stop
// controls.
package capture

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrTrackStopped is returned when writing to a stopped track.
var ErrTrackStopped = errors.New("track stopped")

// Track is a local capture track. A disabled track drops samples (mute or
// camera off); a stopped track is finished for good.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewTrack creates an enabled sample track for the given codec.
func NewTrack(mimeType, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		local: local,
		kind:  local.Kind(),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *Track) Done() <-chan struct{}     { return t.done }

// Stop ends the track. It is safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// WriteSample forwards a sample unless the track is disabled or stopped.
func (t *Track) WriteSample(s media.Sample) error {
	if t.Stopped() {
		return ErrTrackStopped
	}
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}
