// Callpeer — CLI entry point.
//
// This tool is a native call peer for development: it talks to the same
// Redis-backed signaling store as the server and runs a real pion
// PeerConnection, so a browser client (or a second callpeer) can be exercised
// end to end without the main app.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-user, -room, -mode).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"

	"github.com/shuwashuwa/shuwacall/internal/call"
	"github.com/shuwashuwa/shuwacall/internal/config"
	"github.com/shuwashuwa/shuwacall/internal/rtc"
	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	user := flag.String("user", "", "User ID to sign in as")
	room := flag.String("room", "", "Chat room ID")
	mode := flag.String("mode", "", "Mode: start, join, or wait")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Callpeer — v%s", version))
	pterm.Println()

	cfg := config.Load()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		util.LogError("failed to connect to redis at %s: %v", cfg.Redis.Addr, err)
		os.Exit(1)
	}
	defer rdb.Close()
	store := signal.NewRedisStore(rdb, cfg.CallTTL)

	userID := askText(*user, "Your user ID")
	roomID := askText(*room, "Chat room ID")

	switch askMode(*mode) {
	case "start":
		runCall(ctx, cfg, store, userID, roomID, func(c *call.Coordinator) error {
			sess, err := c.CreateRoom(ctx)
			if err != nil {
				return err
			}
			util.LogInfo("call %s started — waiting for the other side to join", sess.ID)
			return nil
		})

	case "join":
		runCall(ctx, cfg, store, userID, roomID, func(c *call.Coordinator) error {
			callID, _, err := store.FindActive(ctx, roomID)
			if err != nil {
				return fmt.Errorf("no active call in room %s: %w", roomID, err)
			}
			return c.JoinRoom(ctx, callID)
		})

	case "wait":
		callID, err := waitForInvite(ctx, store, roomID, userID)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		runCall(ctx, cfg, store, userID, roomID, func(c *call.Coordinator) error {
			return c.JoinRoom(ctx, callID)
		})
	}

	util.LogInfo("call closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runCall builds a coordinator around a pion peer with a sample video track,
// starts the call via begin, and follows its events until it ends.
func runCall(ctx context.Context, cfg *config.Config, store signal.Store, userID, roomID string, begin func(*call.Coordinator) error) {
	local, err := sampleStream(userID)
	if err != nil {
		util.LogError("failed to create local media: %v", err)
		os.Exit(1)
	}

	coord := call.New(call.Config{
		UserID:     userID,
		ChatRoomID: roomID,
		Store:      store,
		NewPeer:    rtc.NewPionFactory(rtc.Config{STUNServers: cfg.STUNServers}),
		Media:      &rtc.StaticProvider{Stream: local},
	})
	defer coord.EndCall(context.Background())

	if err := begin(coord); err != nil {
		util.LogError("failed to start call: %v", err)
		os.Exit(1)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-coord.Events():
			switch {
			case ev.Err != nil:
				util.LogError("call %s: %v", ev.State, ev.Err)
				if ev.State == call.StateFailed {
					return
				}
			case ev.Remote != nil:
				for _, t := range ev.Remote.Tracks() {
					util.LogInfo("remote %s track %s", t.Kind(), t.ID())
				}
			case ev.State == call.StateConnected:
				util.LogSuccess("media path established with the other peer")
			case ev.State == call.StateEnded:
				return
			default:
				util.LogInfo("call state: %s", ev.State)
			}
		}
	}
}

// waitForInvite blocks until someone else starts a call in the room.
func waitForInvite(ctx context.Context, store signal.Store, roomID, userID string) (string, error) {
	w, err := call.WatchRoom(store, roomID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to watch room: %w", err)
	}
	defer w.Close()

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for an incoming call...")
	for {
		select {
		case <-ctx.Done():
			spinner.Stop()
			return "", ctx.Err()
		case ev := <-w.Events():
			if ev.Kind == call.RoomInvited {
				spinner.Success(fmt.Sprintf("Incoming call from %s", ev.Session.StarterID))
				return ev.CallID, nil
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// sampleStream builds a one-track local stream around a static VP8 sample
// track. There is no camera on a server; this keeps the SDP honest.
func sampleStream(userID string) (*rtc.MediaStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "callpeer-"+userID,
	)
	if err != nil {
		return nil, err
	}
	return rtc.NewMediaStream("callpeer-"+userID, &rtc.LocalTrack{Local: track}), nil
}

// askText returns the flag value, prompting interactively when it is empty.
func askText(value, prompt string) string {
	for {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
		value, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()
	}
}

// askMode validates -mode, falling back to an interactive select.
func askMode(mode string) string {
	switch mode {
	case "start", "join", "wait":
		return mode
	case "":
	default:
		util.LogWarning("invalid -mode %q: must be start, join, or wait", mode)
	}

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Start — Call the other person in the room",
			"Join  — Join the room's ongoing call",
			"Wait  — Wait for an incoming call",
		}).
		WithDefaultText("Select what to do").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Start"):
		return "start"
	case strings.HasPrefix(choice, "Join"):
		return "join"
	default:
		return "wait"
	}
}
