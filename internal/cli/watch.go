package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
	"github.com/knowledgeforge/ragsync/internal/statusapi"
	"github.com/knowledgeforge/ragsync/internal/watchsync"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		interval   time.Duration
		debounce   time.Duration
		watchPaths []string
		listenAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run continuously, syncing on interval and on filesystem changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			engine, proj, cleanup, err := buildEngine(opts, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			var onReport func(*ragsync.RunReport)
			if listenAddr != "" {
				status := statusapi.NewServer(proj.Name)
				onReport = status.Record

				listener, err := net.Listen("tcp", listenAddr)
				if err != nil {
					return err
				}
				httpServer := &http.Server{Handler: status}
				go func() {
					if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
						log.Error("status server failed", "error", serveErr)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = httpServer.Shutdown(shutdownCtx)
				}()
				log.Info("status api listening", "addr", listener.Addr().String())
			}

			watcher, err := watchsync.New(engine, watchsync.Options{
				Interval:   interval,
				Debounce:   debounce,
				WatchPaths: watchPaths,
				OnReport:   onReport,
			})
			if err != nil {
				return err
			}
			err = watcher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "time between scheduled runs")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period after a filesystem change before running")
	cmd.Flags().StringSliceVar(&watchPaths, "watch-path", nil, "directory to watch for changes (repeatable)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "serve the status API on this address (for example 127.0.0.1:7423)")
	return cmd
}
