package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/capture"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

var (
	// ErrCallEnded is returned by controls used after EndCall.
	ErrCallEnded = errors.New("call ended")
	// ErrNoVideo is returned when screen sharing has no video track to work with.
	ErrNoVideo = errors.New("no video track")
)

// ToggleMute flips the local audio tracks and reports whether audio is now muted.
func (n *Negotiator) ToggleMute() bool {
	return !n.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera and reports whether video is now off.
func (n *Negotiator) ToggleVideo() bool {
	return !n.toggle(webrtc.RTPCodecTypeVideo)
}

func (n *Negotiator) toggle(kind webrtc.RTPCodecType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	enabled := true
	first := true
	for _, t := range n.tracks {
		if t.Kind() != kind {
			continue
		}
		if first {
			enabled = !t.Enabled()
			first = false
		}
		t.SetEnabled(enabled)
	}
	return enabled
}

// ShareScreen sends the screen source in place of the camera. The camera comes
// back when the screen track ends.
func (n *Negotiator) ShareScreen(ctx context.Context, src capture.Source) error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return ErrCallEnded
	}
	if n.screen != nil {
		n.mu.Unlock()
		return errors.New("already sharing the screen")
	}
	n.mu.Unlock()

	tracks, err := src.Acquire(ctx)
	if err != nil {
		util.LogWarning("Screen share failed: %v", err)
		return fmt.Errorf("acquire screen: %w", err)
	}

	var screen *capture.Track
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo && screen == nil {
			screen = t
			continue
		}
		t.Stop()
	}
	if screen == nil {
		util.LogWarning("Screen share failed: %v", ErrNoVideo)
		return ErrNoVideo
	}

	if err := n.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, screen.Local()); err != nil {
		screen.Stop()
		util.LogWarning("Screen share failed: %v", err)
		return fmt.Errorf("replace video track: %w", err)
	}

	n.mu.Lock()
	n.screen = screen
	n.mu.Unlock()
	util.LogInfo("Sharing screen")

	go n.restoreCamera(screen)
	return nil
}

// StopScreenShare ends an active screen share.
func (n *Negotiator) StopScreenShare() {
	n.mu.Lock()
	screen := n.screen
	n.mu.Unlock()
	if screen != nil {
		screen.Stop()
	}
}

func (n *Negotiator) restoreCamera(screen *capture.Track) {
	<-screen.Done()

	n.mu.Lock()
	if n.screen == screen {
		n.screen = nil
	}
	camera := n.camera
	ended := n.ended
	n.mu.Unlock()

	if ended || camera == nil {
		return
	}
	if err := n.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, camera.Local()); err != nil {
		util.LogWarning("Could not restore camera: %v", err)
		return
	}
	util.LogInfo("Screen share ended, camera restored")
}

// SendChat sends a text message to the other participant.
func (n *Negotiator) SendChat(text string) error {
	n.mu.Lock()
	ended := n.ended
	n.mu.Unlock()
	if ended {
		return ErrCallEnded
	}
	return n.peer.SendChat(text)
}

func (n *Negotiator) receiveChat(text string) {
	n.mu.Lock()
	fn := n.onChat
	n.mu.Unlock()
	if fn != nil {
		fn(text)
	} else {
		util.LogInfo("Chat: %s", text)
	}
}
