package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/jobmail/internal/metrics"
	"github.com/nhle/jobmail/internal/schedule"
)

var runAtStartFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Ingest every active mailbox on a schedule and expose metrics",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&runAtStartFlag, "run-now", true, "Run one pass immediately on start")
}

type statusView struct {
	UserID   string    `json:"user_id"`
	State    string    `json:"state"`
	Outcome  string    `json:"outcome"`
	LastRun  time.Time `json:"last_run"`
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Message  string    `json:"message,omitempty"`
}

func statusHandler(s *schedule.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := s.Statuses()
		views := make([]statusView, 0, len(statuses))
		for _, st := range statuses {
			views = append(views, statusView{
				UserID:   st.UserID,
				State:    st.State.String(),
				Outcome:  st.Outcome(),
				LastRun:  st.LastRun,
				Imported: st.LastResult.Imported,
				Skipped:  st.LastResult.Skipped,
				Failed:   st.LastResult.Failed,
				Message:  st.LastResult.Message,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"passes":    s.Passes(),
			"summary":   s.Summary(),
			"mailboxes": views,
		})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := schedule.New(a.runner, schedule.WithLogger(a.logger.WithPrefix("schedule")))
	if err := sched.Start(ctx, a.cfg.Schedule.Cron); err != nil {
		return err
	}
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/status", statusHandler(sched))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if runAtStartFlag {
		go sched.RunNow(ctx)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
