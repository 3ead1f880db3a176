package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coworkos/cowork/internal/channels"
	"github.com/coworkos/cowork/internal/control"
	"github.com/coworkos/cowork/internal/hooks"
	"github.com/coworkos/cowork/internal/relay"
	"github.com/coworkos/cowork/internal/secrets"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent daemon with control plane, hooks and channels",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.daemon.Start(30 * time.Second)

	var servers []*http.Server

	if rt.cfg.ControlPlane.Enabled {
		token, err := secrets.Open(rt.cfg.ControlPlane.Token)
		if err != nil {
			return err
		}
		cp := control.NewServer(control.Options{
			Daemon:   rt.daemon,
			Config:   rt.cfg,
			Channels: rt.channels,
			Token:    token,
		})
		cp.Start()
		defer cp.Shutdown()

		srv := &http.Server{Addr: rt.cfg.ControlPlane.Addr, Handler: cp.Handler()}
		servers = append(servers, srv)
		go func() {
			slog.Info("Control plane listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Control plane server failed", "error", err)
			}
		}()
	}

	if rt.cfg.Hooks.Enabled {
		token, err := secrets.Open(rt.cfg.Hooks.Token)
		if err != nil {
			return err
		}
		hs := hooks.NewServer(hooks.Options{
			Daemon: rt.daemon,
			Config: rt.cfg.Hooks,
			Token:  token,
		})
		srv := &http.Server{
			Addr:              rt.cfg.Hooks.Addr,
			Handler:           hs.Handler(),
			ReadTimeout:       hs.ReadTimeout(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			slog.Info("Hooks server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Hooks server failed", "error", err)
			}
		}()
	}

	if r := relay.New(rt.daemon, rt.cfg.Relay); r != nil {
		r.Start()
		defer r.Stop()
		slog.Info("Event relay started", "brokers", rt.cfg.Relay.Brokers)
	}

	startChannels(ctx, rt)

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func startChannels(ctx context.Context, rt *runtime) {
	pairing := channels.NewPairing(rt.st, rt.channels)
	gate := channels.NewGatekeeper(rt.channels, pairing)

	for _, cfg := range rt.channels.List() {
		if !cfg.Enabled {
			continue
		}
		var ch channels.Channel
		switch cfg.Type {
		case "slack":
			sc, err := channels.NewSlackChannel(cfg, gate, rt.daemon)
			if err != nil {
				slog.Error("Slack channel setup failed", "channel", cfg.ID, "error", err)
				continue
			}
			ch = sc
		case "whatsapp":
			ch = channels.NewWhatsAppChannel(cfg, gate, rt.daemon, rt.settings.Dir())
		default:
			slog.Warn("Unknown channel type", "channel", cfg.ID, "type", cfg.Type)
			continue
		}
		go func(ch channels.Channel, id string) {
			slog.Info("Channel starting", "channel", id, "type", ch.Name())
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Channel stopped", "channel", id, "error", err)
			}
		}(ch, cfg.ID)
	}
}
