package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/session-go/claims"
	"github.com/spf13/cobra"
)

func (a *app) handlesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handles <user-id>",
		Short: "List the session handles of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			handles, err := m.GetAllSessionHandlesForUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, h := range handles {
				fmt.Fprintln(a.out, h)
			}
			return nil
		},
	}
}

type sessionInfo struct {
	SessionHandle      string         `json:"sessionHandle"`
	UserID             string         `json:"userId"`
	SessionData        map[string]any `json:"sessionData"`
	AccessTokenPayload map[string]any `json:"accessTokenPayload"`
	Claims             claims.Payload `json:"claims,omitempty"`
	TimeCreated        time.Time      `json:"timeCreated"`
	Expiry             time.Time      `json:"expiry"`
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <session-handle>",
		Short: "Show a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			info, err := m.GetSessionInformation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(sessionInfo{
				SessionHandle:      info.SessionHandle,
				UserID:             info.UserID,
				SessionData:        info.SessionData,
				AccessTokenPayload: info.AccessTokenPayload,
				Claims:             info.Claims,
				TimeCreated:        info.TimeCreated.UTC(),
				Expiry:             info.Expiry.UTC(),
			})
		},
	}
}

func (a *app) revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session-handle>...",
		Short: "Revoke one or more sessions",
		Long:  "Revoke the given sessions and print the handles that were actually revoked.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			revoked, err := m.RevokeMultipleSessions(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, h := range revoked {
				fmt.Fprintln(a.out, h)
			}
			return nil
		},
	}
}

func (a *app) revokeUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-user <user-id>",
		Short: "Revoke every session of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			revoked, err := m.RevokeAllSessionsForUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, h := range revoked {
				fmt.Fprintln(a.out, h)
			}
			return nil
		},
	}
}
