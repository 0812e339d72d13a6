// Package commands defines the CLI commands of the syncrelay binary.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/syncrelay/syncrelay/internal/app"
	"github.com/syncrelay/syncrelay/internal/database"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/utils"
)

// ServeCommand returns the CLI command that runs the tracking server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the synchronization tracking server",
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return err
			}

			// schema first; a fresh data directory boots without a
			// separate migrate step
			applied, err := database.RunMigrations()
			if err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			if applied > 0 {
				loggy.Info("Applied pending migrations", "count", applied)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Server.Start()
			}()

			utils.PrintInfo(fmt.Sprintf("Listening on %s", application.Config.Server.ListenAddr))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				loggy.Info("Received signal, shutting down", "signal", sig.String())
			}

			if err := application.Server.Shutdown(context.Background()); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			return nil
		},
	}
}
