// Command peerctl connects to a single configured peer, answers its
// control traffic, and logs everything else it receives. It wires
// config, logging, metrics, the dialer's backoff bookkeeping, and the
// optional UTXO ingestion sidecar around a reconnect loop of peer.Start
// calls; it has no
// protocol logic of its own.
package main

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keato/cirrus-peer/internal/config"
	"github.com/keato/cirrus-peer/internal/dialer"
	"github.com/keato/cirrus-peer/internal/logger"
	"github.com/keato/cirrus-peer/internal/metrics"
	"github.com/keato/cirrus-peer/internal/peer"
	"github.com/keato/cirrus-peer/internal/utxoingest"
)

func main() {
	logger.Log.Info().Msg("=== cirrus peer session ===")

	cfgPath := "config.json"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfgPath = ""
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	metrics.StartMetricsServer(cfg.MetricsAddr)
	logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	if cfg.UTXOSourceURL != "" {
		go runUTXOIngest(ctx, cfg.UTXOSourceURL)
	}

	dm := dialer.NewManager()
	runSessions(ctx, cfg, dm)

	logger.Log.Info().Msg("shutdown complete")
}

// runSessions reconnects to cfg.PeerAddr whenever the previous session
// exits, honoring the dialer's failure backoff and blacklist, until ctx
// is cancelled.
func runSessions(ctx context.Context, cfg *config.Config, dm *dialer.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !dm.ShouldDial(cfg.PeerAddr) {
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		dm.MarkDialing(cfg.PeerAddr)
		metrics.ConnectAttempts.Inc()

		hs := peer.Handshake{
			Services:    cfg.Services,
			UserAgent:   cfg.UserAgent,
			StartHeight: cfg.StartHeight,
			Relay:       cfg.Relay,
			Nonce:       rand.Uint64(),
		}

		p, err := peer.Start(cfg.PeerAddr, hs, logger.PeerLogger(cfg.PeerAddr))
		if err != nil {
			logger.Log.Warn().Err(err).Str("peer", cfg.PeerAddr).Msg("connect/handshake failed")
			if errors.Is(err, peer.ErrReadMessageFailed) {
				// Start wraps a failed version send in ErrReadMessageFailed.
				metrics.HandshakeFailures.Inc()
			} else {
				metrics.ConnectFailures.Inc()
			}
			dm.MarkFailed(cfg.PeerAddr)
			continue
		}

		metrics.SessionsActive.Inc()
		connectedAt := time.Now()
		runSession(ctx, p)
		metrics.SessionsActive.Dec()

		dm.MarkDisconnected(cfg.PeerAddr, time.Since(connectedAt))
	}
}

// runSession drains inbound packets until the session exits or ctx is
// cancelled, in which case it requests a clean shutdown.
func runSession(ctx context.Context, p *peer.Peer) {
	exited := make(chan struct{})
	go func() {
		p.Wait()
		close(exited)
	}()

	for {
		select {
		case pkt, ok := <-p.Inbound():
			if !ok {
				<-exited
				return
			}
			logger.Log.Info().Str("peer", p.PeerAddr().String()).Str("command", pkt.Command()).Msg("message")
		case <-ctx.Done():
			p.Shutdown()
			<-exited
			return
		case <-exited:
			return
		}
	}
}

func runUTXOIngest(ctx context.Context, url string) {
	out := make(chan utxoingest.UTXOEntry, 256)
	go func() {
		for e := range out {
			// Entries are logged at debug level only; this sidecar is
			// read-only ingestion, not an index.
			logger.Log.Debug().Str("outpoint", e.Outpoint.String()).Uint64("amount", e.Amount).Msg("utxo entry")
		}
	}()
	if err := utxoingest.StreamUTXOs(ctx, url, out); err != nil {
		logger.Log.Warn().Err(err).Msg("utxo ingestion stopped")
	}
	close(out)
}
