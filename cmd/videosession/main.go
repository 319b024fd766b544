// Video session participant.
//
// Joins a session on the signaling relay, takes whichever role the relay
// assigns, negotiates a WebRTC call with the other participant and streams
// local IVF/Ogg files as camera and microphone. Ctrl+C or "q" ends the call.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/call"
	"github.com/mossy-p/skillswap-signaling/internal/capture"
	"github.com/mossy-p/skillswap-signaling/internal/peer"
	"github.com/mossy-p/skillswap-signaling/internal/signaling"
	"github.com/mossy-p/skillswap-signaling/internal/util"
)

// sessionsPath is where a participant goes once the call is over.
const sessionsPath = "/api/sessions"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.LoadParticipant()

	server := flag.String("server", cfg.SignalingURL, "Signaling relay URL")
	session := flag.String("session", "", "Session token, or the 6-character code of a created session; a new token is used when empty.\n"+
		"Any 6-character value is looked up as a code, so ad-hoc tokens must have another length")
	peerID := flag.String("peer", "", "Participant id (assigned by the relay when empty)")
	video := flag.String("video", "", "IVF file used as the camera")
	audio := flag.String("audio", "", "Ogg/Opus file used as the microphone")
	screen := flag.String("screen", "", "IVF file shared by the 's' command")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	util.SetLevel(cfg.LogLevel)
	if *debugMode {
		util.EnableDebug()
	}

	token := *session
	if token == "" {
		token = fmt.Sprintf("session-%d", time.Now().UnixMilli())
	}

	pterm.Info.Println("Session: " + token)
	pterm.Println()

	if err := run(ctx, cfg, *server, token, *peerID, *video, *audio, *screen); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Println()
	if sessions, err := signaling.HTTPURL(*server, sessionsPath); err == nil {
		pterm.Info.Println("Call ended. Your sessions: " + sessions)
	} else {
		pterm.Info.Println("Call ended.")
	}
}

func run(ctx context.Context, cfg *config.ParticipantConfig, server, token, peerID, video, audio, screen string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	client, err := signaling.Dial(dialCtx, server, token, peerID)
	cancel()
	if err != nil {
		return err
	}

	pc, err := peer.New(cfg.ICEServers)
	if err != nil {
		client.Close()
		return err
	}

	pterm.Success.Printfln("Joined as %s (peer %s)", client.Role(), client.PeerID())

	n := call.New(client.Role(), pc, client)
	n.OnChat(func(text string) {
		pterm.Println(pterm.Cyan("them: ") + text)
	})
	n.OnStateChange(func(state webrtc.PeerConnectionState) {
		pterm.Info.Printfln("Connection %s", state)
	})

	camera := capture.FileSource{VideoPath: video, AudioPath: audio, Loop: true, Label: "camera"}
	if err := n.Start(ctx, camera); err != nil {
		if errors.Is(err, call.ErrMediaUnavailable) {
			pterm.Warning.Println("Camera and microphone are required to join a call.")
		}
		n.EndCall()
		return err
	}

	// Frames delivered before this point wait in the socket; tracks and
	// callbacks must be in place before the first offer is applied.
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, n.Handle) }()

	printHelp(screen != "")
	commands := readCommands()

	for {
		select {
		case <-ctx.Done():
			return n.EndCall()

		case <-n.Done():
			return nil

		case err := <-runErr:
			if err != nil {
				util.LogWarning("Lost the relay connection: %v", err)
			}
			return n.EndCall()

		case line, ok := <-commands:
			if !ok {
				// stdin closed; keep the call up until Ctrl+C or the other side leaves.
				commands = nil
				continue
			}
			if done := handleCommand(ctx, n, line, screen); done {
				return n.EndCall()
			}
		}
	}
}

func printHelp(canShare bool) {
	help := "Commands: m = mute, v = camera, q = end call, anything else is sent as chat"
	if canShare {
		help = "Commands: m = mute, v = camera, s = share screen, x = stop sharing, q = end call, anything else is sent as chat"
	}
	pterm.Println(pterm.Gray(help))
}

// readCommands streams stdin lines. The channel closes at EOF.
func readCommands() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return lines
}

// handleCommand runs one console command and reports whether the call should end.
func handleCommand(ctx context.Context, n *call.Negotiator, line, screen string) bool {
	switch line {
	case "":
	case "q":
		return true
	case "m":
		if n.ToggleMute() {
			pterm.Info.Println("Microphone muted")
		} else {
			pterm.Info.Println("Microphone on")
		}
	case "v":
		if n.ToggleVideo() {
			pterm.Info.Println("Camera off")
		} else {
			pterm.Info.Println("Camera on")
		}
	case "s":
		if screen == "" {
			pterm.Warning.Println("No -screen file given")
			return false
		}
		// Failures are already logged; the call carries on with the camera.
		_ = n.ShareScreen(ctx, capture.FileSource{VideoPath: screen, Label: "screen"})
	case "x":
		n.StopScreenShare()
	default:
		if err := n.SendChat(line); err != nil {
			util.LogWarning("Chat not sent: %v", err)
			return false
		}
		pterm.Println(pterm.Green("you: ") + line)
	}
	return false
}
