package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/logiwatch/incident-orchestrator/internal/client"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/reconcile"
)

type watchOptions struct {
	Interval     time.Duration
	SimulateRisk float64
	AutoHandoff  bool
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	wo := watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch <incident-id>",
		Short: "Follow an incident live until it closes",
		Long: `Follow an incident: stream events, poll authoritative state, print the
narration as it arrives and optionally trigger the automation handoff once
discovery completes.

Example:
  incidentctl watch INC-7f3a --auto-handoff --simulate-risk 92`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := newWatcher(opts.client(), cmd.OutOrStdout(), wo)
			return w.Run(cmd.Context(), args[0])
		},
	}

	cmd.Flags().DurationVar(&wo.Interval, "interval", 2*time.Second, "authoritative poll interval")
	cmd.Flags().Float64Var(&wo.SimulateRisk, "simulate-risk", 0, "pin a local risk override for the affected shipment (0 disables)")
	cmd.Flags().BoolVar(&wo.AutoHandoff, "auto-handoff", false, "trigger the automation handoff once discovery completes")
	return cmd
}

// watcher merges the live stream and periodic snapshots for one incident
// into a reconciler and prints whatever is new.
type watcher struct {
	client *client.Client
	rec    *reconcile.Reconciler
	out    io.Writer
	opts   watchOptions
	logger *slog.Logger

	lastLevel reconcile.Level
}

func newWatcher(c *client.Client, out io.Writer, opts watchOptions) *watcher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &watcher{
		client: c,
		rec:    reconcile.New(),
		out:    out,
		opts:   opts,
		logger: slog.Default().With("component", "watch"),
	}
}

// Run blocks until the incident is RESOLVED or FAILED, or ctx is done.
func (w *watcher) Run(ctx context.Context, incidentID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.poll(ctx, incidentID); err != nil {
		return err
	}
	if w.opts.SimulateRisk > 0 {
		if shipmentID, ok := w.rec.AffectedShipment(incidentID); ok && w.rec.SetOverride(shipmentID, w.opts.SimulateRisk) {
			fmt.Fprintf(w.out, "simulating risk %.0f on %s\n", w.opts.SimulateRisk, shipmentID)
		}
	}
	if done := w.render(ctx, incidentID); done {
		return nil
	}

	events := w.subscribe(ctx, incidentID)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if entry, isNew := w.rec.ApplyEvent(ev); isNew {
				w.printLog(entry)
			}
		case <-ticker.C:
			if events == nil {
				events = w.subscribe(ctx, incidentID)
			}
			if err := w.poll(ctx, incidentID); err != nil {
				w.logger.Warn("poll failed", "incident_id", incidentID, "error", err)
				continue
			}
		}
		if done := w.render(ctx, incidentID); done {
			return nil
		}
	}
}

// subscribe opens the event stream. A nil channel means the stream is down
// and the poller carries on alone until the next retry.
func (w *watcher) subscribe(ctx context.Context, incidentID string) <-chan domain.Event {
	events, err := w.client.Stream(ctx, incidentID)
	if err != nil {
		w.logger.Warn("event stream unavailable, polling only", "incident_id", incidentID, "error", err)
		return nil
	}
	return events
}

func (w *watcher) poll(ctx context.Context, incidentID string) error {
	snap, err := w.client.Snapshot(ctx, incidentID)
	if err != nil {
		return err
	}
	for _, entry := range w.rec.ApplySnapshot(snap) {
		w.printLog(entry)
	}
	return nil
}

// render prints level changes, fires the handoff when it is due and reports
// whether the incident has closed.
func (w *watcher) render(ctx context.Context, incidentID string) bool {
	v, ok := w.rec.View(incidentID)
	if !ok {
		return false
	}
	if v.Level != w.lastLevel {
		fmt.Fprintf(w.out, "status %s (risk %.0f)\n", v.Level, v.Risk)
		w.lastLevel = v.Level
	}
	if w.opts.AutoHandoff && w.rec.ClaimHandoff(incidentID) {
		res, err := w.client.Handoff(ctx, incidentID)
		if err != nil {
			w.logger.Warn("handoff trigger failed", "incident_id", incidentID, "error", err)
		} else {
			fmt.Fprintf(w.out, "handoff %s (run %s)\n", res.Status, res.RunID)
		}
	}
	if v.Status.Terminal() {
		fmt.Fprintf(w.out, "incident %s %s\n", incidentID, v.Status)
		return true
	}
	return false
}

func (w *watcher) printLog(e domain.LogEntry) {
	ts := time.UnixMilli(e.TimestampMs).Format("15:04:05")
	fmt.Fprintf(w.out, "[%s] %-7s %-12s %s\n", ts, e.Severity, e.Source, e.Message)
}
