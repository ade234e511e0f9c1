package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/cron"
	"github.com/basket/go-crew/internal/orchestrator"
	"github.com/basket/go-crew/internal/policy"
	"github.com/basket/go-crew/internal/tools"
)

var serveOpts struct {
	killOnExit bool
	noSweep    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the JSON-RPC tool server on stdin/stdout",
	Long: `serve reads one JSON-RPC 2.0 request per line on stdin and writes one
response per line on stdout. Call "tools.list" for the tool table; every
other method is a tool name such as "agents.spawn" or "memory.recall".

While serving, owned agents are swept on an interval, expired memory is
pruned daily, and config.yaml changes to limits apply without a restart.
Idle advisories and reaps are sent as notifications.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	a, err := openApp(ctx, modeServe)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger

	if report, err := a.sup.Recover(ctx); err != nil {
		log.Warn("recover finished with errors", "error", err, "adopted", report.Adopted, "reaped", report.Reaped)
	}

	if !serveOpts.noSweep {
		sched := cron.NewScheduler(cron.Config{
			Sweep: func(ctx context.Context) error {
				_, err := a.sup.Sweep(ctx)
				return err
			},
			Prune:      a.memory.PruneExpired,
			Logger:     log,
			SweepEvery: time.Duration(a.cfg.Orchestrator.SweepIntervalSeconds) * time.Second,
		})
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := config.NewWatcher(a.cfg.StateDir, log)
	if err := watcher.Start(watchCtx); err != nil {
		log.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				a.reload(ev)
			}
		}()
	}

	sub := a.bus.Subscribe("agent.", "memory.")
	defer a.bus.Unsubscribe(sub)
	a.tools.Notifications = forwardEvents(watchCtx, sub)

	log.Info("tool server started", "identity", a.sup.Identity(), "tools", len(a.tools.List()))
	err = a.tools.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if serveOpts.killOnExit {
		// The serve context may already be cancelled by a signal.
		kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		results, kerr := a.sup.KillAll(kctx)
		cancel()
		log.Info("killed owned agents on exit", "count", len(results), "error", kerr)
	}
	log.Info("tool server stopped")
	return err
}

// reload applies a changed config.yaml or policy.yaml. A file that fails to
// load leaves the previous settings in force.
func (a *app) reload(ev config.ReloadEvent) {
	if ev.Kind == config.KindPolicy {
		if err := policy.ReloadFromFile(a.policy, ev.Path); err != nil {
			a.logger.Error("policy reload failed", "error", err)
			return
		}
		a.logger.Info("tool policy reloaded", "version", a.policy.PolicyVersion())
		return
	}
	cfg, err := config.Load(flags.project)
	if err != nil {
		a.logger.Error("config reload failed", "error", err)
		return
	}
	a.sup.SetLimits(orchestrator.LimitsFromConfig(cfg))
}

// forwardEvents turns agent and memory bus events into client notifications.
func forwardEvents(ctx context.Context, sub *bus.Subscription) <-chan tools.Notification {
	out := make(chan tools.Notification, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if !notifiable(ev.Topic) {
					continue
				}
				select {
				case out <- tools.Notification{Method: ev.Topic, Params: ev.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func notifiable(topic string) bool {
	switch topic {
	case bus.TopicAgentIdle, bus.TopicAgentReaped, bus.TopicAgentSpawnFailed, bus.TopicMemoryDegraded:
		return true
	}
	return false
}

func init() {
	serveCmd.Flags().BoolVar(&serveOpts.killOnExit, "kill-on-exit", false, "Kill every owned agent when the server stops")
	serveCmd.Flags().BoolVar(&serveOpts.noSweep, "no-sweep", false, "Disable periodic sweeps and memory pruning")
	rootCmd.AddCommand(serveCmd)
}
