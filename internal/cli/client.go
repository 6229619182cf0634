package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agora-sync/internal/client"
	"agora-sync/internal/client/localstore"
	"agora-sync/internal/config"
	"github.com/spf13/cobra"
)

// NewClientCmd groups the device-side tools.
func NewClientCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Follow or reset a session from a client device",
	}
	cmd.AddCommand(newWatchCmd(configPath))
	cmd.AddCommand(newResetCmd(configPath))
	cmd.AddCommand(newJoinCmd(configPath))
	return cmd
}

type clientDeps struct {
	cfg     config.Config
	api     *client.APIClient
	durable *localstore.Durable
	close   func()
}

func openClient(configPath string) (clientDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return clientDeps{}, err
	}
	baseURL := cfg.Client.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	var store localstore.Store = localstore.NewMemory()
	closeFn := func() {}
	if cfg.Client.LocalStore != "" {
		sqlite, err := localstore.OpenSQLite(cfg.Client.LocalStore)
		if err != nil {
			return clientDeps{}, err
		}
		store = sqlite
		closeFn = func() { _ = sqlite.Close() }
	}
	return clientDeps{
		cfg:     cfg,
		api:     client.NewAPIClient(baseURL, nil),
		durable: localstore.NewDurable(store),
		close:   closeFn,
	}, nil
}

func newWatchCmd(configPath *string) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream roster, answer and settings changes of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := openClient(*configPath)
			if err != nil {
				return err
			}
			defer deps.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, deps, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to follow")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func watch(ctx context.Context, deps clientDeps, sessionID string) error {
	c := deps.cfg.Client
	defaults := client.DefaultIntervals()
	intervals := client.Intervals{
		Teams:     config.TTLDuration(c.Teams, defaults.Teams),
		Roster:    config.TTLDuration(c.Roster, defaults.Roster),
		Questions: config.TTLDuration(c.Questions, defaults.Questions),
		Answers:   config.TTLDuration(c.Answers, defaults.Answers),
		Settings:  config.TTLDuration(c.Settings, defaults.Settings),
	}
	bridge := client.NewBridge(sessionID, deps.api, deps.durable, client.NewPushTrigger(deps.api.BaseURL()), intervals)
	bridge.OnChange = func(table string, view client.View) {
		online := 0
		for _, s := range view.Students {
			if s.IsOnline {
				online++
			}
		}
		slog.Info("session changed",
			"session_id", sessionID,
			"table", table,
			"teams", len(view.Teams),
			"students", len(view.Students),
			"online", online,
			"answers", len(view.Answers),
			"level", view.Settings.CurrentLevel,
			"running", view.Settings.IsRunning,
		)
	}
	slog.Info("watching session", "session_id", sessionID)
	return bridge.Run(ctx)
}

func newResetCmd(configPath *string) *cobra.Command {
	var (
		sessionID  string
		yes        bool
		regenerate bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear every collection of a session on all tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset destroys all student progress; pass --yes to confirm")
			}
			deps, err := openClient(*configPath)
			if err != nil {
				return err
			}
			defer deps.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			debounce := config.TTLDuration(deps.cfg.Client.Debounce, 300*time.Millisecond)
			controller := client.NewController(deps.durable, deps.api, client.WithDebounce(debounce))
			controller.InitSession(ctx, sessionID)
			fresh, err := controller.Reset(ctx, client.ResetOptions{Confirm: yes, Regenerate: regenerate})
			if err != nil {
				return err
			}
			controller.Close(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), fresh.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to reset")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible reset")
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "issue a fresh session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newJoinCmd(configPath *string) *cobra.Command {
	var sessionID, name, teamID string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session as a student and keep the seat alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := openClient(*configPath)
			if err != nil {
				return err
			}
			defer deps.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			student := client.NewStudent(deps.durable, deps.api, sessionID)
			teams, err := student.AwaitTeams(ctx, config.TTLDuration(deps.cfg.Client.Discovery, 500*time.Millisecond))
			if err != nil {
				return err
			}
			if teamID == "" {
				teamID = teams[0].ID
			}
			a, err := student.Join(ctx, name, teamID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.StudentID)
			student.RunHeartbeat(ctx, config.TTLDuration(deps.cfg.Client.Heartbeat, client.DefaultHeartbeat))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to join")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&teamID, "team", "", "team id; defaults to the first team")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
