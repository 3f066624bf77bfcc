package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/nexuswallet/walletd/bridge"
	"github.com/nexuswallet/walletd/broker"
	"github.com/nexuswallet/walletd/config"
	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/permission"
	"github.com/nexuswallet/walletd/session"
	"github.com/nexuswallet/walletd/storage"
	bboltstorage "github.com/nexuswallet/walletd/storage/bbolt"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wallet background service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(nil, configFile)
		if err != nil {
			return err
		}

		log := newLogger(cfg.LogLevel)

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		blobs, err := bboltstorage.NewFromFile(cfg.DatabasePath(), nil)
		if err != nil {
			return fmt.Errorf("failed to open wallet storage: %w", err)
		}
		defer blobs.Close()

		secure, err := storage.NewSecure(blobs, cfg.StorePassphrase)
		if err != nil {
			return fmt.Errorf("failed to unseal wallet storage: %w", err)
		}
		defer secure.Destroy()

		node, err := nodeclient.New(cfg.NodeURL)
		if err != nil {
			return fmt.Errorf("invalid node url: %w", err)
		}

		sessionOpts := []session.Option{session.WithLogger(log)}
		if cfg.MobilePolicy {
			sessionOpts = append(sessionOpts, session.WithUnlockedLogin())
		}
		sessions := session.New(node, secure, sessionOpts...)
		perms := permission.New(secure, permission.WithLogger(log))

		hub := bridge.NewPromptHub()
		br := broker.New(node, sessions, perms, hub, broker.NewEvents(),
			broker.WithLogger(log),
			broker.WithSettlement(cfg.SettlementAddress, cfg.ServiceFee),
			broker.WithTimeouts(cfg.ConnectionTimeout, cfg.TransactionTimeout))

		a := bridge.New(br, sessions, node, perms, hub, bridge.WithLogger(log))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/v1", a.Router())

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		if cfg.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Probe the node so a dead or mistyped node_url shows up at
		// startup instead of on the first signing request.
		probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
		if info, err := node.SystemInfo(probeCtx); err != nil {
			log.Warn("node unreachable at startup", "node_url", cfg.NodeURL, "error", err)
		} else {
			log.Info("connected to node", "node_url", cfg.NodeURL, "info", string(info))
		}
		cancelProbe()

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		log.Info("walletd listening", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			log.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
}
