// hostmock is a stand-in host for exercising vcrelayd end to end. It serves
// the control operations on stdio, grants channels backed by local unix
// sockets, and echoes every byte written to a granted channel.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"vcrelay/internal/control"
	"vcrelay/internal/logging"
	"vcrelay/internal/observability"
	"vcrelay/internal/relay"
	"vcrelay/internal/vcwire"
)

const tokenLength = 32

type host struct {
	logger    zerolog.Logger
	responder *control.Responder
	socketDir string
	manifest  string

	mu        sync.Mutex
	listeners map[string]*relay.Listener
}

func main() {
	socketDir := flag.String("socket-dir", os.TempDir(), "directory for relay sockets")
	manifest := flag.String("manifest", "/tmp/vcrelay/manifest.json", "manifest path to report")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := observability.InitLogger("hostmock")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := &host{
		logger:    logger,
		socketDir: *socketDir,
		manifest:  *manifest,
		listeners: make(map[string]*relay.Listener),
	}
	h.responder = control.NewResponder(os.Stdin, os.Stdout)
	h.responder.Handle(vcwire.OpDiscoverHost, h.discover)
	h.responder.Handle(vcwire.OpFetchManifest, h.fetchManifest)
	h.responder.Handle(vcwire.OpOpenChannel, func(p json.RawMessage) (any, *vcwire.WireError) {
		return h.openChannel(ctx, p)
	})
	h.responder.Handle(vcwire.OpCloseChannel, h.closeChannel)

	errCh := make(chan error, 1)
	go func() { errCh <- h.responder.Run() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("control loop failed")
			h.closeAll()
			os.Exit(1)
		}
		logger.Info().Msg("control stream ended")
	}
	h.closeAll()
}

func (h *host) discover(json.RawMessage) (any, *vcwire.WireError) {
	return vcwire.HostInfo{Role: vcwire.RoleServer}, nil
}

func (h *host) fetchManifest(json.RawMessage) (any, *vcwire.WireError) {
	return vcwire.ManifestLocation{Path: h.manifest}, nil
}

// openChannel grants the requested channel: it mints a single-use token,
// opens a listener behind a pipe:// address, and serves an echo session on
// the first authenticated connection.
func (h *host) openChannel(ctx context.Context, payload json.RawMessage) (any, *vcwire.WireError) {
	var req vcwire.ChannelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &vcwire.WireError{Code: vcwire.CodeChannelUnavailable, Message: "bad request payload"}
	}
	name := strings.TrimSpace(req.ChannelName)
	if name == "" || req.RequesterID == 0 {
		return nil, &vcwire.WireError{Code: vcwire.CodeChannelUnavailable, Message: "incomplete channel request"}
	}

	h.mu.Lock()
	if _, exists := h.listeners[name]; exists {
		h.mu.Unlock()
		return nil, &vcwire.WireError{Code: vcwire.CodeChannelUnavailable, Message: "channel already granted"}
	}
	h.mu.Unlock()

	token, err := relay.NewToken(tokenLength)
	if err != nil {
		return nil, &vcwire.WireError{Code: vcwire.CodeChannelUnavailable, Message: "token generation failed"}
	}

	address := fmt.Sprintf("pipe://%s-%d", name, req.RequesterID)
	ln, err := relay.Listen(address, token, relay.Config{SocketDir: h.socketDir, Channel: name})
	if err != nil {
		h.logger.Error().Err(err).Str("address", address).Msg("listen failed")
		return nil, &vcwire.WireError{Code: vcwire.CodeChannelUnavailable, Message: "relay unavailable"}
	}

	h.mu.Lock()
	h.listeners[name] = ln
	h.mu.Unlock()

	go h.serveEcho(ctx, name, ln)

	h.logger.Info().Str("channel", name).Str("address", address).Msg("channel granted")
	return vcwire.ChannelGrant{RelayAddress: address, AuthToken: token}, nil
}

func (h *host) closeChannel(payload json.RawMessage) (any, *vcwire.WireError) {
	var req vcwire.ChannelClose
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &vcwire.WireError{Code: vcwire.CodeChannelUnavailable, Message: "bad close payload"}
	}
	h.mu.Lock()
	ln, ok := h.listeners[req.ChannelName]
	delete(h.listeners, req.ChannelName)
	h.mu.Unlock()
	if ok {
		ln.Close()
	}
	h.logger.Info().Str("channel", req.ChannelName).Bool("known", ok).Msg("channel closed")
	return nil, nil
}

// serveEcho accepts one authenticated connection, announces readiness on the
// control channel, and mirrors the byte stream back until it ends.
func (h *host) serveEcho(ctx context.Context, name string, ln *relay.Listener) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", name).Msg("accept failed")
		return
	}
	defer conn.Close()

	event := struct {
		ChannelName string `json:"channel_name"`
	}{ChannelName: name}
	if err := h.responder.EmitEvent(vcwire.EventChannelReady, event); err != nil {
		h.logger.Error().Err(err).Str("channel", name).Msg("channel-ready emit failed")
		return
	}

	n, err := io.Copy(conn, conn)
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", name).Msg("echo session ended with error")
	}
	h.logger.Info().Str("channel", name).Int64("bytes", n).Msg("echo session done")
}

func (h *host) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, ln := range h.listeners {
		ln.Close()
		delete(h.listeners, name)
	}
}
