package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/mesh"
	"github.com/BioHazard786/huddle/internal/peer"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/ui"
)

var (
	flagJoinServer   string
	flagJoinName     string
	flagJoinSTUN     string
	flagJoinTURN     string
	flagJoinTURNUser string
	flagJoinTURNPass string
	flagJoinRelay    bool
	flagJoinCodec    string
	flagJoinAudio    string
	flagJoinRecord   string
	flagJoinNew      bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room-key|link]",
	Aliases: []string{"j"},
	Short:   "Join a voice room",
	Long: `Join a voice room and talk to everyone in it.

Without a room key you join the server's default room; with --new the server
makes up a fresh key you can share.

Examples:
  huddle join
  huddle join --new --name ana
  huddle join calm-otter-cove-kite --audio greeting.ogg
  huddle join http://localhost:8080/r/calm-otter-cove-kite --record ./calls`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var roomKey string
		if len(args) == 1 {
			key, err := parseRoomInput(args[0])
			if err != nil {
				return err
			}
			roomKey = key
		}
		if flagJoinNew && roomKey != "" {
			return fmt.Errorf("--new creates a room; drop the room key or the flag")
		}
		return joinRoom(cmd.Context(), roomKey)
	},
}

func joinRoom(ctx context.Context, roomKey string) error {
	cfg, err := LoadConfig(config.Options{
		ServerURL:   flagJoinServer,
		DisplayName: flagJoinName,
		RoomKey:     roomKey,
		Codec:       flagJoinCodec,
		STUNServer:  flagJoinSTUN,
		TURNServer:  flagJoinTURN,
		TURNUser:    flagJoinTURNUser,
		TURNPass:    flagJoinTURNPass,
		ForceRelay:  flagJoinRelay,
	})
	if err != nil {
		return err
	}
	logger := slog.Default()

	factoryOpts := []media.FactoryOption{media.WithFactoryLogger(logger)}
	if flagJoinRecord != "" {
		recorder, err := media.NewRecorder(flagJoinRecord, logger)
		if err != nil {
			return err
		}
		defer recorder.Wait()
		factoryOpts = append(factoryOpts, media.WithRecorder(recorder))
	}
	factory, err := media.NewPionFactory(cfg, factoryOpts...)
	if err != nil {
		return err
	}

	fmt.Println()
	stopSpinner := ui.RunConnectionSpinner("Connecting to server...")
	conn, err := NewConnectionContext(ctx, cfg, logger)
	stopSpinner()
	if err != nil {
		return err
	}
	defer conn.Close()

	// The roster only exists once we are in the room; events before that
	// are reflected by its first read of the roster.
	var roster atomic.Pointer[ui.RosterUI]
	coord, err := mesh.New(mesh.Options{
		Factory:  factory,
		Signaler: conn.Client,
		Acquire:  func() (media.LocalStream, error) { return media.Acquire(flagJoinAudio, logger) },
		Timeouts: peer.Timeouts{
			Handshake: cfg.HandshakeTimeout,
			Ready:     cfg.ReadyTimeout,
		},
		RetryBudget: cfg.RetryBudget,
		Logger:      logger,
		OnEvent: func(ev mesh.Event) {
			if r := roster.Load(); r != nil {
				r.Notify(ev)
			}
		},
	})
	if err != nil {
		return err
	}
	defer coord.Leave()

	if err := coord.Open(); err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}

	joined, err := conn.JoinRoom(ctx, flagJoinNew)
	if err != nil {
		return err
	}
	if err := coord.Dispatch(joined); err != nil {
		return err
	}

	fmt.Println(ui.RoomBanner(joined.RoomKey, cfg.RoomLink(joined.RoomKey), joined.DisplayName))
	if n := len(joined.Users); n > 0 {
		ui.PrintInfof("%d already here, connecting...", n)
	}

	r := ui.NewRosterUI(coord, coord.Stream(), joined.RoomKey)
	roster.Store(r)
	r.Start()

	err = runRoom(ctx, conn, coord, r, logger)
	r.Stop()
	conn.Client.Leave()
	return err
}

// runRoom feeds server messages to the coordinator until the user leaves,
// ctx ends, or the server goes away.
func runRoom(ctx context.Context, conn *ConnectionContext, coord *mesh.Coordinator, roster *ui.RosterUI, logger *slog.Logger) error {
	serverErrors := conn.Handler.Error
	for {
		select {
		case msg, ok := <-conn.Handler.Events:
			if !ok {
				return signaling.ErrTransportDisconnected
			}
			if err := coord.Dispatch(msg); err != nil {
				logger.Warn("bad message from server", "type", msg.Type, "err", err)
			}

		case serr, ok := <-serverErrors:
			if !ok {
				serverErrors = nil
				continue
			}
			logger.Warn("server error", "code", serr.Code, "message", serr.Message)

		case <-roster.Done():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVar(&flagJoinServer, "server", "", "Signaling server URL (default ws://localhost:8080/ws)")
	joinCmd.Flags().StringVarP(&flagJoinName, "name", "n", "", "Display name")
	joinCmd.Flags().StringVarP(&flagJoinSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagJoinTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVar(&flagJoinTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagJoinTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagJoinRelay, "relay", "r", false, "Force relay mode")
	joinCmd.Flags().StringVar(&flagJoinCodec, "codec", "", "Signaling encoding: json or msgpack")
	joinCmd.Flags().StringVarP(&flagJoinAudio, "audio", "a", "", "Ogg/Opus file to send in place of a microphone")
	joinCmd.Flags().StringVar(&flagJoinRecord, "record", "", "Directory to record remote participants into")
	joinCmd.Flags().BoolVar(&flagJoinNew, "new", false, "Create a fresh room")
}
