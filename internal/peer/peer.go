// Package peer wraps a pion PeerConnection with the pieces a video session
// needs: local tracks, offer/answer, ICE candidates and a chat channel.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/util"
)

const (
	chatLabel     = "chat"
	chatChannelID = 1
	rtcpBuffer    = 1500
)

// ErrNoSender is returned when replacing a track of a kind that was never added.
var ErrNoSender = errors.New("no sender for track kind")

// Peer wraps a pion PeerConnection and its chat DataChannel.
type Peer struct {
	pc   *webrtc.PeerConnection
	chat *webrtc.DataChannel

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	onState func(webrtc.PeerConnectionState)
	onChat  func(string)
}

// New creates a PeerConnection with the default codecs and interceptors and a
// pre-negotiated chat channel, so neither side has to wait for the other to
// open it.
func New(iceServers []string) (*Peer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   servers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	negotiated := true
	id := uint16(chatChannelID)
	chat, err := pc.CreateDataChannel(chatLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create chat channel: %w", err)
	}

	p := &Peer{
		pc:      pc,
		chat:    chat,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	chat.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		fn := p.onChat
		p.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("[webrtc] ICE connection state: %s", state)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[webrtc] peer connection state: %s", state)
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		codec := track.Codec()
		util.LogInfo("[webrtc] remote %s track: %s", track.Kind(), codec.MimeType)
		go drain(track)
	})

	return p, nil
}

// drain consumes remote RTP so the interceptors keep running. Rendering is out
// of scope for a headless participant.
func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// AddTrack attaches a local track and remembers its sender for ReplaceTrack.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	p.mu.Lock()
	p.senders[track.Kind()] = sender
	p.mu.Unlock()

	// RTCP has to be read for NACK and friends to work.
	go func() {
		buf := make([]byte, rtcpBuffer)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ReplaceTrack swaps the outgoing track of a kind without renegotiation.
func (p *Peer) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.senders[kind]
	p.mu.Unlock()

	if sender == nil {
		return fmt.Errorf("%w: %s", ErrNoSender, kind)
	}
	return sender.ReplaceTrack(track)
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// OnICECandidate registers the callback for locally gathered candidates. The
// end-of-gathering nil candidate is not forwarded.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("[webrtc] ICE gathering complete")
			return
		}
		fn(c.ToJSON())
	})
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// SendChat sends a text message over the chat channel.
func (p *Peer) SendChat(text string) error {
	if p.chat.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("chat channel is %s", p.chat.ReadyState())
	}
	return p.chat.SendText(text)
}

func (p *Peer) OnChat(fn func(string)) {
	p.mu.Lock()
	p.onChat = fn
	p.mu.Unlock()
}

// Close shuts down the chat channel and the PeerConnection.
func (p *Peer) Close() error {
	if err := p.chat.Close(); err != nil {
		util.LogDebug("[webrtc] close chat channel: %v", err)
	}
	return p.pc.Close()
}
