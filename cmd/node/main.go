package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/node"
	"github.com/mossy-p/pantheon/internal/p2p"
)

func main() {
	log := logger.Logger("main")

	flags := pflag.NewFlagSet("node", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file, overlaid on the environment")
	deviceID := flags.String("device-id", "", "stable device id (assigned by the service when empty)")
	deviceName := flags.String("device-name", "", "human readable device name")
	clientType := flags.String("client-type", "", "desktop, web or mobile")
	signalingURL := flags.String("signaling-url", "", "signaling websocket url")
	listen := flags.String("listen", "", "local API listen address")
	noOllama := flags.Bool("no-ollama", false, "do not register the Ollama provider")
	loopback := flags.Bool("loopback-candidates", false, "gather loopback ICE candidates")
	flags.Parse(os.Args[1:])

	cfg := config.LoadNode()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadNodeFile(*configPath)
		if err != nil {
			log.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	// Flags win over file and environment
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *deviceName != "" {
		cfg.DeviceName = *deviceName
	}
	if *clientType != "" {
		cfg.ClientType = *clientType
	}
	if *signalingURL != "" {
		cfg.SignalingURL = *signalingURL
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *noOllama {
		cfg.Ollama.Enabled = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := p2p.NewWebRTCTransport(p2p.WebRTCOptions{
		ICEServers:      cfg.ICEServers,
		IncludeLoopback: *loopback,
	})
	n := node.New(cfg, node.Options{Transport: transport})

	log.Info("starting node", "device", cfg.DeviceID, "name", cfg.DeviceName, "signaling", cfg.SignalingURL)
	if err := n.Run(ctx); err != nil {
		log.Error("node stopped", "error", err)
		os.Exit(1)
	}
	log.Info("node stopped")
}
