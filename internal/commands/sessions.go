package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/syncrelay/syncrelay/internal/app"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/utils"
)

// SessionsCommand returns the CLI command for inspecting sessions.
func SessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Inspect tracked synchronization sessions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List all known sessions",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					sessions, err := application.Sessions.List(c.Context)
					if err != nil {
						return fmt.Errorf("failed to list sessions: %w", err)
					}
					if len(sessions) == 0 {
						utils.PrintInfo("No sessions found")
						return nil
					}

					headers := []string{"ID", "Label", "Started", "Finished/Total", "Errors", "Processed", "Status"}
					var rows [][]string
					for _, s := range sessions {
						rows = append(rows, []string{
							s.SessionID,
							s.Label,
							s.StartedOn.UTC().Format("2006-01-02 15:04:05"),
							fmt.Sprintf("%d/%d", s.FinishedActionsCount, s.TotalActionsCount),
							fmt.Sprintf("%d", s.ErrorsCount),
							utils.FormatVolume(s.ProcessedVolume),
							sessionStatus(s),
						})
					}
					utils.PrintTable(headers, rows)
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Show one session in detail",
				ArgsUsage: "<session-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one session id")
					}
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					s, err := application.Sessions.Get(c.Context, c.Args().First())
					if err != nil {
						return err
					}

					rows := [][]string{
						{"ID", s.SessionID},
						{"Label", s.Label},
						{"Started by", s.StartedBy},
						{"Started on", s.StartedOn.UTC().Format("2006-01-02 15:04:05")},
						{"Finished actions", fmt.Sprintf("%d/%d", s.FinishedActionsCount, s.TotalActionsCount)},
						{"Errors", fmt.Sprintf("%d", s.ErrorsCount)},
						{"Processed volume", utils.FormatVolume(s.ProcessedVolume)},
						{"Exchanged volume", utils.FormatVolume(s.ExchangedVolume)},
						{"Version", fmt.Sprintf("%d", s.Version)},
						{"Abort requested", utils.FormatTimestamp(s.AbortRequestedOn)},
						{"Ended on", utils.FormatTimestamp(s.EndedOn)},
						{"Status", sessionStatus(s)},
					}
					utils.PrintTable([]string{"Field", "Value"}, rows)
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a session and its tracking state",
				ArgsUsage: "<session-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one session id")
					}
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}
					sessionID := c.Args().First()

					if err := application.Tracking.RemoveSessionActions(c.Context, sessionID); err != nil {
						return err
					}
					if err := application.Sessions.Remove(c.Context, sessionID); err != nil {
						return err
					}
					application.Hub.CloseSession(sessionID)

					utils.PrintSuccess(fmt.Sprintf("Removed session %s", sessionID))
					return nil
				},
			},
		},
	}
}

func sessionStatus(s *session.Synchronization) string {
	switch {
	case s.IsEnded():
		return string(s.EndStatus)
	case s.IsAbortRequested():
		return "aborting"
	default:
		return "running"
	}
}
