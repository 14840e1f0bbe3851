package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/adityaadpandey/plaza-relay/internals/call"
	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagURL        string
	flagRoom       string
	flagCall       string
	flagAutoAccept bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a room as an endpoint and take part in audio calls",
	Long: `Connect to a relay as an endpoint, join a room and log presence updates.

Examples:
  plazad peer --room plaza
  plazad peer --room plaza --call 2f1c0c8e-5d7b-4c55-9d1e-1f0b7a1f3c11
  plazad peer --url ws://relay.example.com:8080/ws --auto-accept`,
	RunE: runPeer,
}

func init() {
	peerCmd.Flags().StringVar(&flagURL, "url", "ws://localhost:8080/ws", "relay websocket URL")
	peerCmd.Flags().StringVar(&flagRoom, "room", "plaza", "room to join")
	peerCmd.Flags().StringVar(&flagCall, "call", "", "connection id to call once connected")
	peerCmd.Flags().BoolVar(&flagAutoAccept, "auto-accept", false, "accept incoming calls automatically")
}

func runPeer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := signaling.Dial(ctx, flagURL)
	if err != nil {
		return err
	}
	defer client.Close()

	peers, err := call.NewPionFactory(cfg.WebRTC, logger)
	if err != nil {
		return fmt.Errorf("create peer factory: %w", err)
	}

	var machine *call.Machine
	machine = call.NewMachine(client, peers, call.StaticAudioSource{}, call.Observer{
		OnStateChange: func(s call.State, peerID string) {
			logger.Info("Call state changed", zap.String("state", string(s)), zap.String("peerID", peerID))
		},
		OnIncoming: func(peerID string) {
			if !flagAutoAccept {
				logger.Info("Declining incoming call", zap.String("peerID", peerID))
				if err := machine.Decline(); err != nil {
					logger.Warn("Failed to decline call", zap.String("peerID", peerID), zap.Error(err))
				}
				return
			}
			if err := machine.Accept(ctx); err != nil {
				logger.Warn("Failed to accept call", zap.String("peerID", peerID), zap.Error(err))
			}
		},
		OnError: func(err error) {
			logger.Warn("Call error", zap.Error(err))
		},
	}, logger)
	defer machine.End()

	onPresence := func(msg signaling.Message) {
		switch msg.Type {
		case signaling.EventWelcome:
			var w signaling.WelcomePayload
			if err := signaling.DecodeData(msg.Data, &w); err == nil {
				machine.SetLocalID(w.ID)
				logger.Info("Connected to relay", zap.String("connID", w.ID))
			}
			if err := client.Emit(signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: flagRoom}); err != nil {
				logger.Error("Failed to join room", zap.Error(err))
			}
		case signaling.EventSelfAssigned:
			logger.Info("Joined room", zap.String("roomID", flagRoom), zap.ByteString("self", msg.Data))
			if flagCall != "" {
				if err := machine.Call(ctx, flagCall); err != nil {
					logger.Warn("Failed to start call", zap.String("peerID", flagCall), zap.Error(err))
				}
			}
		case signaling.EventError:
			logger.Warn("Relay error", zap.ByteString("data", msg.Data))
		default:
			logger.Debug("Presence update", zap.String("type", string(msg.Type)), zap.ByteString("data", msg.Data))
		}
	}

	err = call.Pump(ctx, client, machine, onPresence)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
