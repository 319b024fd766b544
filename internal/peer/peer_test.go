package peer

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func newPeer(t *testing.T) *Peer {
	t.Helper()
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newVideoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}

func TestReplaceTrackWithoutSender(t *testing.T) {
	p := newPeer(t)

	err := p.ReplaceTrack(webrtc.RTPCodecTypeVideo, newVideoTrack(t, "screen"))
	if !errors.Is(err, ErrNoSender) {
		t.Fatalf("ReplaceTrack error = %v, want ErrNoSender", err)
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	offerer := newPeer(t)
	answerer := newPeer(t)

	if err := offerer.AddTrack(newVideoTrack(t, "camera")); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || !strings.Contains(offer.SDP, "m=video") {
		t.Fatalf("offer = %s: %s", offer.Type, offer.SDP)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription(offer): %v", err)
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %s", answer.Type)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription(answer): %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}

	// Swapping the camera for a screen track needs no renegotiation.
	if err := offerer.ReplaceTrack(webrtc.RTPCodecTypeVideo, newVideoTrack(t, "screen")); err != nil {
		t.Errorf("ReplaceTrack: %v", err)
	}
}

func TestSendChatBeforeConnected(t *testing.T) {
	p := newPeer(t)

	if err := p.SendChat("hello"); err == nil {
		t.Error("SendChat succeeded on an unopened channel")
	}
}
