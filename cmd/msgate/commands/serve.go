package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"msgate/internal/app"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath, app.Options{Version: version, AddrOverride: addr})
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			stop := func(reason app.StopReason) error {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				stopCtx, done := context.WithTimeout(context.Background(), stopTimeout)
				defer done()
				return a.Stop(stopCtx, reason)
			}

			if err := a.Start(ctx); err != nil {
				_ = stop(app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			runErr := a.Err()
			if err := stop(reason); err != nil {
				return err
			}
			if reason == app.StopFatalError && runErr != nil {
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
