// Command client runs the Firezone Client role: it owns one Noise/ICE
// node, a resource catalogue, and the sans-IO event loop that drives them
// against a pair of real UDP sockets. No TUN device is created here; the
// loop runs with a nil TunDevice.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zerodha/logf"

	"github.com/firezone/tunnel-core/internal/api"
	"github.com/firezone/tunnel-core/internal/auth"
	"github.com/firezone/tunnel-core/internal/client"
	"github.com/firezone/tunnel-core/internal/config"
	"github.com/firezone/tunnel-core/internal/eventloop"
	"github.com/firezone/tunnel-core/internal/logging"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/node"
	"github.com/firezone/tunnel-core/internal/noise"
	"github.com/firezone/tunnel-core/internal/registry"
	"github.com/firezone/tunnel-core/internal/udpsocket"
)

var buildString = "unknown"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ko, err := config.Load(os.Args[1:], "client.toml", "FIREZONE_CLIENT_")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.ParseClient(ko)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting firezone client", "version", buildString)

	privKey, err := decodePrivateKey(cfg.PrivateKeyB64)
	if err != nil {
		logger.Error("invalid private key", "error", err)
		os.Exit(1)
	}

	// Pending a real Portal registration, the tunnel addresses come from
	// a local allocator over the same global pools the Portal would
	// assign from.
	pool, err := registry.NewDualStackPool(model.TunnelIPv4Pool, model.TunnelIPv6Pool)
	if err != nil {
		logger.Error("failed to build tunnel address pool", "error", err)
		os.Exit(1)
	}
	tunnelV4, tunnelV6, err := pool.Allocate()
	if err != nil {
		logger.Error("failed to allocate tunnel addresses", "error", err)
		os.Exit(1)
	}
	logger.Info("allocated tunnel addresses", "v4", tunnelV4.String(), "v6", tunnelV6.String())

	factory, err := udpsocket.NewFactory()
	if err != nil {
		logger.Error("failed to build socket factory", "error", err)
		os.Exit(1)
	}
	sockV4, err := bindSocket(factory, "udp4", cfg.Node.ListenV4)
	if err != nil {
		logger.Error("failed to bind ipv4 node socket", "error", err)
		os.Exit(1)
	}
	sockV6, err := bindSocket(factory, "udp6", cfg.Node.ListenV6)
	if err != nil {
		logger.Warn("failed to bind ipv6 node socket, continuing v4-only", "error", err)
	}

	pubKey := privKey.PublicKey()
	logger.Info("client identity", "public_key", base64.StdEncoding.EncodeToString(pubKey[:]))

	n := node.New(localAddrPort(sockV4), localAddrPort(sockV6))
	c := client.New(tunnelV4, tunnelV6, n)

	core := eventloop.NewClientCore(c, n)
	// Platform TUN device creation is out of scope; a real
	// build supplies one here. The loop runs node/socket traffic only
	// until one is wired in.
	loop := eventloop.New(nil, sockV4, sockV6, nil, nil, core)

	authenticator := auth.New(cfg.Admin.APIKeys, logger)
	adminServer := api.New(api.Config{
		ListenAddr:     cfg.Admin.ListenAddr,
		AllowedOrigins: cfg.Admin.AllowedOrigins,
		Role:           "client",
	}, logger, n, authenticator)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := adminServer.Start(ctx); err != nil {
			logger.Error("admin server error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event loop error", "error", err)
		}
	}()
	go drainClientEvents(ctx, logger, loop)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded")
	}
}

// drainClientEvents consumes the loop's upward event channel and
// dispatches each event. Only the loop goroutine touches the sans-IO
// Client itself.
func drainClientEvents(ctx context.Context, logger logf.Logger, loop *eventloop.Loop) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-loop.Events():
			handleClientEvent(ctx, logger, nil, event)
		}
	}
}

func decodePrivateKey(b64 string) (noise.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return noise.PrivateKey{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return noise.PrivateKey{}, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	var key noise.PrivateKey
	copy(key[:], raw)
	return key, nil
}

func bindSocket(factory *udpsocket.Factory, network, listen string) (eventloop.Socket, error) {
	_ = listen // OS-chosen ephemeral port; a fixed listen address is a future config knob.
	return factory.Bind(network)
}

func localAddrPort(s eventloop.Socket) netip.AddrPort {
	if s == nil {
		return netip.AddrPort{}
	}
	return s.LocalAddr()
}
