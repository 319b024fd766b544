// Package call drives one participant's side of a two-party video session: it
// turns the role assigned by the relay into an offer/answer exchange, applies
// the remote side's signals and tears the call down.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/capture"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

// ErrMediaUnavailable is returned by Start when local capture cannot be acquired.
var ErrMediaUnavailable = errors.New("camera or microphone unavailable")

// Peer is the media connection the negotiator drives.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	SendChat(text string) error
	OnChat(fn func(string))
	Close() error
}

// Signaler is the relay connection.
type Signaler interface {
	Publish(kind models.SignalType, payload any) error
	Ack(id string) error
	ReportState(state string) error
	Bye() error
	Close()
}

// Negotiator holds the negotiation state of one participant.
type Negotiator struct {
	role models.Role
	peer Peer
	sig  Signaler

	mu     sync.Mutex
	ended  bool
	done   chan struct{}
	state  webrtc.PeerConnectionState
	seen   map[string]struct{}
	tracks []*capture.Track
	camera *capture.Track
	screen *capture.Track

	// Local candidates wait for our own description; remote ones wait for theirs.
	localSent        bool
	localCandidates  []webrtc.ICECandidateInit
	remoteSet        bool
	remoteCandidates []webrtc.ICECandidateInit

	onChat  func(string)
	onState func(webrtc.PeerConnectionState)
}

// New creates a negotiator for the role the relay assigned.
func New(role models.Role, peer Peer, sig Signaler) *Negotiator {
	return &Negotiator{
		role:  role,
		peer:  peer,
		sig:   sig,
		done:  make(chan struct{}),
		state: webrtc.PeerConnectionStateNew,
		seen:  make(map[string]struct{}),
	}
}

func (n *Negotiator) Role() models.Role { return n.role }

// Done is closed once the call has ended, locally or remotely.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// ConnectionState is the last state observed on the peer connection.
func (n *Negotiator) ConnectionState() webrtc.PeerConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnChat registers the handler for incoming chat messages.
func (n *Negotiator) OnChat(fn func(string)) {
	n.mu.Lock()
	n.onChat = fn
	n.mu.Unlock()
}

// OnStateChange registers an observer for connection state changes.
func (n *Negotiator) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

// Start acquires local media and attaches it to the peer connection. The
// initiator then publishes exactly one offer; the joiner waits for one.
//
// When capture fails the call is abandoned: the relay claim is released with a
// bye so the session does not stay occupied.
func (n *Negotiator) Start(ctx context.Context, src capture.Source) error {
	tracks, err := src.Acquire(ctx)
	if err != nil {
		util.LogError("Could not access camera or microphone: %v", err)
		n.endCall(true)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	n.mu.Lock()
	n.tracks = tracks
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo && n.camera == nil {
			n.camera = t
		}
	}
	n.mu.Unlock()

	for _, t := range tracks {
		if err := n.peer.AddTrack(t.Local()); err != nil {
			n.endCall(true)
			return fmt.Errorf("attach %s track: %w", t.Kind(), err)
		}
	}

	n.peer.OnICECandidate(n.onLocalCandidate)
	n.peer.OnConnectionStateChange(n.onConnectionState)
	n.peer.OnChat(n.receiveChat)

	if n.role != models.RoleInitiator {
		util.LogInfo("Joined as %s, waiting for an offer", n.role)
		return nil
	}

	offer, err := n.peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	n.publish(models.SignalTypeOffer, offer)
	n.flushLocalCandidates()

	util.LogInfo("Offer sent, waiting for the other participant")
	return nil
}

// Handle applies one frame delivered by the relay. Signals are acknowledged
// whether or not they applied cleanly; a failed signal is not retried.
func (n *Negotiator) Handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeBye:
		util.LogInfo("The other participant ended the call")
		n.endCall(false)
		return
	case models.SignalTypeError:
		util.LogWarning("Relay error: %s", msg.Error)
		return
	case models.SignalTypeWelcome:
		return
	}

	if !msg.Type.IsSignal() {
		util.LogDebug("[call] ignoring %s frame", msg.Type)
		return
	}

	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}
	_, dup := n.seen[msg.ID]
	if msg.ID != "" {
		n.seen[msg.ID] = struct{}{}
	}
	n.mu.Unlock()

	switch {
	case dup:
		util.LogDebug("[call] duplicate %s %s", msg.Type, msg.ID)
	case msg.From == n.role:
		util.LogDebug("[call] ignoring own %s %s", msg.Type, msg.ID)
	default:
		if err := n.apply(msg); err != nil {
			util.LogError("Failed to apply %s #%d: %v", msg.Type, msg.Seq, err)
		}
	}

	if msg.ID != "" {
		if err := n.sig.Ack(msg.ID); err != nil {
			util.LogDebug("[call] ack %s: %v", msg.ID, err)
		}
	}
}

func (n *Negotiator) apply(msg models.SignalMessage) error {
	switch msg.Type {
	case models.SignalTypeOffer:
		if n.role != models.RoleJoiner {
			return fmt.Errorf("offer received by %s", n.role)
		}
		desc, err := decodeDescription(msg.Payload, webrtc.SDPTypeOffer)
		if err != nil {
			return err
		}
		if err := n.peer.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		n.remoteReady()

		answer, err := n.peer.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := n.peer.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		n.publish(models.SignalTypeAnswer, answer)
		n.flushLocalCandidates()
		return nil

	case models.SignalTypeAnswer:
		if n.role != models.RoleInitiator {
			return fmt.Errorf("answer received by %s", n.role)
		}
		desc, err := decodeDescription(msg.Payload, webrtc.SDPTypeAnswer)
		if err != nil {
			return err
		}
		if err := n.peer.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		n.remoteReady()
		return nil

	case models.SignalTypeCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		n.mu.Lock()
		if !n.remoteSet {
			n.remoteCandidates = append(n.remoteCandidates, c)
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()
		return n.peer.AddICECandidate(c)
	}
	return nil
}

func decodeDescription(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("description type %s, want %s", desc.Type, want)
	}
	return desc, nil
}

// remoteReady registers candidates that arrived ahead of the remote description.
func (n *Negotiator) remoteReady() {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.remoteCandidates
	n.remoteCandidates = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.peer.AddICECandidate(c); err != nil {
			util.LogError("Failed to add buffered candidate: %v", err)
		}
	}
}

func (n *Negotiator) onLocalCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}
	if !n.localSent {
		n.localCandidates = append(n.localCandidates, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.publish(models.SignalTypeCandidate, c)
}

func (n *Negotiator) flushLocalCandidates() {
	n.mu.Lock()
	n.localSent = true
	pending := n.localCandidates
	n.localCandidates = nil
	n.mu.Unlock()

	for _, c := range pending {
		n.publish(models.SignalTypeCandidate, c)
	}
}

// publish sends a signal unless the call has ended.
func (n *Negotiator) publish(kind models.SignalType, payload any) {
	n.mu.Lock()
	ended := n.ended
	n.mu.Unlock()
	if ended {
		return
	}
	if err := n.sig.Publish(kind, payload); err != nil {
		util.LogError("Failed to publish %s: %v", kind, err)
	}
}

func (n *Negotiator) onConnectionState(state webrtc.PeerConnectionState) {
	n.mu.Lock()
	n.state = state
	ended := n.ended
	fn := n.onState
	n.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		util.LogInfo("Connected")
	case webrtc.PeerConnectionStateFailed:
		util.LogWarning("Connection failed; end the call and rejoin to retry")
	default:
		util.LogDebug("[call] connection %s", state)
	}

	if !ended {
		if err := n.sig.ReportState(state.String()); err != nil {
			util.LogDebug("[call] report state: %v", err)
		}
	}
	if fn != nil {
		fn(state)
	}
}

// EndCall stops local media, closes the peer connection and ends the session on
// the relay. It is safe to call more than once; nothing is signalled afterwards.
func (n *Negotiator) EndCall() error {
	return n.endCall(true)
}

func (n *Negotiator) endCall(sendBye bool) error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return nil
	}
	n.ended = true
	tracks := n.tracks
	screen := n.screen
	n.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	if screen != nil {
		screen.Stop()
	}

	err := n.peer.Close()

	if sendBye {
		if byeErr := n.sig.Bye(); byeErr != nil {
			util.LogDebug("[call] bye: %v", byeErr)
		}
	}
	n.sig.Close()
	close(n.done)
	return err
}
