// Command gamesyncd runs the game state synchronization server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/broadcast"
	"github.com/cardroom/go-game-sync/engine"
	"github.com/cardroom/go-game-sync/logging"
	"github.com/cardroom/go-game-sync/server"
	"github.com/cardroom/go-game-sync/storage/postgres"
	"github.com/cardroom/go-game-sync/storage/sqlite"
)

// openStore selects the storage backend from the DSN scheme: postgres://
// DSNs get the PostgreSQL store, everything else goes to SQLite.
func openStore(dsn string) (gamesync.DurableStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.NewWithConnectionString(dsn)
	}
	return sqlite.NewWithDataSource(dsn)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gamesyncd",
		Short: "Authoritative game state synchronization server",
		Long: "gamesyncd keeps a versioned game state consistent between the " +
			"server and connected clients: actions are ordered and conflict-" +
			"resolved, every change is event-sourced, and clients are kept in " +
			"step through delta broadcasts and checksum verification.",
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newReplayCommand(&configPath))

	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logging.Init(cfg.Logging)
			logger := logging.WithComponent("gamesyncd")

			store, err := openStore(cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			hub := broadcast.NewHub()
			eng := engine.New(&server.TableEvaluator{}, store, cfg.EngineConfig(),
				engine.WithBroadcaster(hub),
			)

			srv := server.New(cfg.ListenAddr, eng, hub)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// With a shared PostgreSQL store, peer instances announce their
			// commits over LISTEN/NOTIFY. Reload and rebroadcast sessions
			// that moved past our cached version.
			if _, ok := store.(*postgres.Store); ok {
				listener, err := postgres.NewListener(cfg.DatabaseDSN)
				if err != nil {
					return fmt.Errorf("open listener: %w", err)
				}
				defer listener.Close()
				err = listener.Subscribe("", func(p postgres.SessionNotification) error {
					if eng.CachedVersion(p.SessionID) >= p.Version {
						return nil
					}
					state, _, err := eng.RefreshSession(ctx, p.SessionID)
					if err != nil {
						return err
					}
					hub.BroadcastFull(ctx, p.SessionID, state)
					return nil
				})
				if err != nil {
					return fmt.Errorf("subscribe listener: %w", err)
				}
				if err := listener.Start(ctx); err != nil {
					return fmt.Errorf("start listener: %w", err)
				}
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newReplayCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Rebuild a session's state from its snapshot and event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logging.Init(cfg.Logging)

			store, err := openStore(cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			eng := engine.New(&server.TableEvaluator{}, store, cfg.EngineConfig())
			state, err := eng.Replay(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}

			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
