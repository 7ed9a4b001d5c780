package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/ssoctl/pkg/metrics"
	"github.com/telekom/ssoctl/pkg/session"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/ssoctl/output"
)

func NewWatchCommand() *cobra.Command {
	var (
		interval    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tick the remaining session time until the session ends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error {
				if !ctrl.IsAuthenticated() {
					return sso.ErrNotAuthenticated
				}
				if metricsAddr != "" {
					stop, err := serveMetrics(metricsAddr, rt)
					if err != nil {
						return err
					}
					defer stop()
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				ended := false
				err := ctrl.Watch(ctx, interval, func(st session.Status) {
					if !st.Authenticated {
						ended = true
						cancel()
						return
					}
					_, _ = fmt.Fprintf(rt.Writer(), "%s remaining\n", output.FormatRemaining(st.Remaining))
				})
				if err != nil {
					return err
				}
				if ended {
					return sso.ErrAuthenticationExpired
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Tick interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while watching")
	return cmd
}

func serveMetrics(addr string, rt *runtimeState) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.MetricsHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed to serve metrics on %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_, _ = fmt.Fprintf(rt.ErrWriter(), "Warning: metrics server shutdown: %v\n", err)
		}
	}, nil
}
