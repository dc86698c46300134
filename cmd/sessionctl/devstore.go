package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/session-go/sessionstoretest"
	"github.com/ggoodman/session-go/storage"
	"github.com/ggoodman/session-go/storage/bolt"
	"github.com/ggoodman/session-go/storage/memory"
	"github.com/ggoodman/session-go/storage/postgres"
	redisstorage "github.com/ggoodman/session-go/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type devstoreFlags struct {
	addr         string
	backend      string
	redisAddr    string
	boltPath     string
	postgresURL  string
	maxItems     int
	accessTTL    time.Duration
	refreshTTL   time.Duration
	blacklisting bool
}

func (a *app) devstoreCmd() *cobra.Command {
	var f devstoreFlags
	cmd := &cobra.Command{
		Use:   "devstore",
		Short: "Run a local session store for development",
		Long: `Run a session store implementing the store HTTP API on a local address.

Sessions are kept in memory by default. With --storage=redis and no
--redis-addr an in-process Redis server is started. The postgres backend
creates its table on first use and removes expired rows every minute.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDevstore(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:3567", "Address to listen on")
	cmd.Flags().StringVar(&f.backend, "storage", "memory", "Storage backend: memory, redis, bolt or postgres")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", "", "Redis address; empty starts an in-process server")
	cmd.Flags().StringVar(&f.boltPath, "bolt-path", "sessions.db", "Database file for the bolt backend")
	cmd.Flags().StringVar(&f.postgresURL, "postgres-url", "", "Connection URL for the postgres backend")
	cmd.Flags().IntVar(&f.maxItems, "max-items", 100_000, "Capacity of the memory backend")
	cmd.Flags().DurationVar(&f.accessTTL, "access-token-validity", time.Hour, "Access token lifetime")
	cmd.Flags().DurationVar(&f.refreshTTL, "refresh-token-validity", 100*24*time.Hour, "Refresh token lifetime")
	cmd.Flags().BoolVar(&f.blacklisting, "blacklisting", false, "Require remote verification of every access token")
	return cmd
}

// openStorage returns the configured backend and a func that releases it.
func openStorage(ctx context.Context, f devstoreFlags) (storage.Storage, func(), error) {
	switch f.backend {
	case "memory":
		st, err := memory.New(f.maxItems)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	case "redis":
		addr := f.redisAddr
		var mr *miniredis.Miniredis
		if addr == "" {
			var err error
			if mr, err = miniredis.Run(); err != nil {
				return nil, nil, fmt.Errorf("starting in-process redis: %w", err)
			}
			addr = mr.Addr()
		}
		st, err := redisstorage.New(redisstorage.Config{Client: redis.NewClient(&redis.Options{Addr: addr})})
		if err != nil {
			if mr != nil {
				mr.Close()
			}
			return nil, nil, err
		}
		return st, func() {
			st.Close()
			if mr != nil {
				mr.Close()
			}
		}, nil

	case "bolt":
		st, err := bolt.Open(f.boltPath, nil)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	case "postgres":
		if f.postgresURL == "" {
			return nil, nil, errors.New("--postgres-url is required for the postgres backend")
		}
		st, err := postgres.Connect(ctx, f.postgresURL)
		if err != nil {
			return nil, nil, err
		}
		sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		go sweep(sweepCtx, st, time.Minute)
		return st, func() {
			stop()
			st.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", f.backend)
}

// sweep deletes expired rows every interval until ctx is done.
func sweep(ctx context.Context, st *postgres.Storage, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = st.DeleteExpired(ctx)
		}
	}
}

func (a *app) runDevstore(ctx context.Context, f devstoreFlags) error {
	st, release, err := openStorage(ctx, f)
	if err != nil {
		return err
	}
	defer release()

	store, err := sessionstoretest.New(st, sessionstoretest.Config{
		AccessTokenValidity:  f.accessTTL,
		RefreshTokenValidity: f.refreshTTL,
		Blacklisting:         f.blacklisting,
		APIKey:               a.apiKey,
		LogHandler:           a.logHandler(),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", f.addr, err)
	}
	srv := &http.Server{
		Handler:           store,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
			return
		}
		done <- nil
	}()
	fmt.Fprintf(a.out, "Session store listening on http://%s (storage: %s)\n", ln.Addr(), f.backend)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
