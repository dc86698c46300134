package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/session-go/querier"
	"github.com/ggoodman/session-go/session"
	"github.com/spf13/cobra"
)

type app struct {
	uri    string
	apiKey string
	debug  bool

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Inspect and revoke sessions held by a session store",
		Long: `sessionctl talks to a session store over its HTTP API.

The store location and API key are read from SESSION_STORE_URI and
SESSION_STORE_API_KEY unless overridden with flags.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&a.uri, "uri", "", "Session store base URL (overrides SESSION_STORE_URI)")
	root.PersistentFlags().StringVar(&a.apiKey, "api-key", "", "Session store API key (overrides SESSION_STORE_API_KEY)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Log requests to stderr")

	root.AddCommand(
		a.handlesCmd(),
		a.infoCmd(),
		a.revokeCmd(),
		a.revokeUserCmd(),
		a.devstoreCmd(),
	)
	return root
}

func (a *app) logHandler() slog.Handler {
	if !a.debug {
		return nil
	}
	return slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: slog.LevelDebug})
}

// manager builds a session manager from the environment and flags.
func (a *app) manager() (*session.Manager, error) {
	cfg, err := querier.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if a.uri != "" {
		cfg.ConnectionURI = a.uri
	}
	if a.apiKey != "" {
		cfg.APIKey = a.apiKey
	}
	h := a.logHandler()
	q, err := querier.New(cfg, querier.WithLogHandler(h))
	if err != nil {
		return nil, err
	}
	m, err := session.New(q, session.Config{LogHandler: h})
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	return m, nil
}
