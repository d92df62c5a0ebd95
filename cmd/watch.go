package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/cambio/internal/channel"
	"github.com/vadiminshakov/cambio/internal/coordinator"
	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/events"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/notify"
	"github.com/vadiminshakov/cambio/internal/terminal"
	"github.com/vadiminshakov/cambio/internal/web"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var operationID int64

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show operations and rates, kept in sync with the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, a, operationID)
		},
	}
	cmd.Flags().Int64Var(&operationID, "operation", 0, "also show the detail of this operation with a live countdown")
	return cmd
}

// screens are the mounted views of the watch command.
type screens struct {
	list   *coordinator.OperationsScreen
	rates  *coordinator.RatesScreen
	detail *coordinator.OperationScreen
}

func runWatch(ctx context.Context, a *app, operationID int64) error {
	cfg := a.cfg

	notes := events.NewBroadcaster[notify.Notification](16)
	var notifier notify.Notifier
	if cfg.Notifications {
		notifier = notify.Multi{notify.NewLogNotifier(a.l), notify.NewBroadcastNotifier(notes)}
	}

	client := channel.New(channel.NewWebsocketDialer(cfg.EventsURL, cfg.APIToken), a.l, channel.Options{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		Notifier:          notifier,
	})

	expirer := coordinator.NewExpirer(a.backend, a.tracker, cfg.ExpirationTimeout, a.l)
	s := screens{
		list:  coordinator.NewOperationsScreen(a.backend, a.tracker, expirer, cfg.DNI, cfg.ListTick, a.l),
		rates: coordinator.NewRatesScreen(a.backend, a.l),
	}
	group := coordinator.Group{
		coordinator.New(s.list, client, cfg.PollInterval, a.l),
		coordinator.New(s.rates, client, cfg.PollInterval, a.l),
	}
	if operationID != 0 {
		s.detail = coordinator.NewOperationScreen(a.backend, a.tracker, expirer, cfg.DNI, operationID, cfg.CountdownTick, a.l)
		group = append(group, coordinator.New(s.detail, client, cfg.PollInterval, a.l))
	}

	client.OnStateChange(func(st channel.State) {
		switch st {
		case channel.StateConnected:
			// events may have been missed while the transport was down
			group.Refetch(coordinator.ReasonReconnect)
		case channel.StateDisconnected:
			if err := client.Err(); err != nil {
				a.l.Warn("live channel unavailable, polling only", zap.Duration("poll_interval", cfg.PollInterval), zap.Error(err))
			}
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	group.Mount(ctx)
	if err := client.Connect(ctx, cfg.DNI); err != nil {
		a.l.Warn("event channel connect failed", zap.Error(err))
	}

	g.Go(func() error {
		foreground(ctx, group)
		return nil
	})

	g.Go(func() error {
		render(ctx, a, s, expirer, notes)
		return nil
	})

	if cfg.DashboardAddr != "" {
		server := web.NewServer(cfg.DashboardAddr, a.tracker, expirer, s.rates, notes, a.l)
		g.Go(func() error {
			return server.Start(ctx)
		})
	}

	err := g.Wait()

	group.Unmount()
	client.Close()
	return err
}

// foreground refetches every screen when the process is resumed with fg.
func foreground(ctx context.Context, group coordinator.Group) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGCONT)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			group.Foreground()
		}
	}
}

// render redraws the terminal on every state change and on the list countdown tick.
func render(ctx context.Context, a *app, s screens, expirer *coordinator.Expirer, notes *events.Broadcaster[notify.Notification]) {
	snapshots := a.tracker.Snapshots().Subscribe()
	defer a.tracker.Snapshots().Unsubscribe(snapshots)

	rates := s.rates.Updates().Subscribe()
	defer s.rates.Updates().Unsubscribe(rates)

	noteCh := notes.Subscribe()
	defer notes.Unsubscribe(noteCh)

	var detail chan coordinator.DetailView
	if s.detail != nil {
		detail = s.detail.Updates().Subscribe()
		defer s.detail.Updates().Unsubscribe(detail)
	}

	tick := time.NewTicker(a.cfg.ListTick)
	defer tick.Stop()

	var last []string
	draw := func() {
		var b strings.Builder
		b.WriteString("\033[H\033[2J")
		if r, ok := s.rates.Rates(); ok {
			b.WriteString(terminal.Rates(r) + "\n\n")
		}
		b.WriteString(terminal.Operations(s.list.Operations(), func(op domain.Operation) (expiry.Remaining, bool) {
			if r, ok := s.list.Remaining(op.ID); ok {
				return r, true
			}
			return expirer.Remaining(op), true
		}))
		b.WriteString("\n")
		if s.detail != nil {
			if v, ok := s.detail.View(); ok {
				b.WriteString("\n" + terminal.Detail(v.Operation, v.Remaining, v.Counting) + "\n")
			}
		}
		for _, n := range last {
			b.WriteString("\n" + n)
		}
		fmt.Print(b.String())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshots:
		case <-rates:
		case <-detail:
		case n := <-noteCh:
			last = append(last, n.Title+": "+n.Body)
			if len(last) > 3 {
				last = last[1:]
			}
		case <-tick.C:
		}
		draw()
	}
}
