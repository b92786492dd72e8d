package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/valerybot/valery/internal/assistant"
	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/relay"
	"github.com/valerybot/valery/internal/store"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, pumps inbound interactions through the Router, and runs the
// digest scheduler.
type Daemon struct {
	cfg     *config.Config
	adapter relay.Adapter
	store   *store.Store
	client  assistant.Client
	counter assistant.TokenCounter
	out     io.Writer

	guard  *Guard
	timers *TimerRegistry
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Config  *config.Config
	Adapter relay.Adapter
	Store   *store.Store
	Client  assistant.Client
	Counter assistant.TokenCounter
	Out     io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: adapter is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("bot: client is required")
	}
	if opts.Counter == nil {
		return nil, fmt.Errorf("bot: counter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	guard := NewGuard()
	return &Daemon{
		cfg:     opts.Config,
		adapter: opts.Adapter,
		store:   opts.Store,
		client:  opts.Client,
		counter: opts.Counter,
		out:     out,
		guard:   guard,
		// Built here so Guard() and Timers() are immutable after
		// construction; Run never reassigns either.
		timers: NewTimerRegistry(opts.Adapter, guard),
	}, nil
}

// Guard exposes the admission registry (dashboard read-only use).
func (d *Daemon) Guard() *Guard { return d.guard }

// Timers exposes the reminder registry (dashboard read-only use).
func (d *Daemon) Timers() *TimerRegistry { return d.timers }

// Run starts the daemon. It connects the adapter, builds the coordinator
// and router, and blocks until the context is cancelled. On shutdown it
// stops pending timers and closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Valery connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	coordinator, err := NewCoordinator(CoordinatorOpts{
		Config:  d.cfg,
		Guard:   d.guard,
		Adapter: d.adapter,
		Store:   d.store,
		Client:  d.client,
		Counter: d.counter,
		Timers:  d.timers,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build coordinator: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Config:      d.cfg,
		Guard:       d.guard,
		Store:       d.store,
		Coordinator: coordinator,
		Adapter:     d.adapter,
		Out:         d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	go d.runDigestScheduler(ctx)

	fmt.Fprintf(d.out, "Valery online\n")

	// Main event loop: each interaction runs on its own goroutine so
	// users proceed in parallel; the guard serializes per user.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Valery shutting down...\n")
			d.timers.Stop()
			if err := d.adapter.Close(); err != nil {
				log.Printf("bot: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Valery stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Valery inbound channel closed\n")
				d.timers.Stop()
				return nil
			}
			go router.Handle(ctx, msg)
		}
	}
}

// runDigestScheduler posts the cron-scheduled usage digest to the operator
// channel. Returns immediately when the digest is disabled.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	if !d.cfg.Digest.Enabled {
		return
	}
	channelID := d.operatorChannel()
	if channelID == "" {
		log.Printf("bot: digest enabled but no operator channel configured")
		return
	}

	next := nextCronDuration(d.cfg.Digest.Cron)
	if next <= 0 {
		log.Printf("bot: digest cron %q did not parse", d.cfg.Digest.Cron)
		return
	}
	timer := time.NewTimer(next)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx, channelID)
			if next := nextCronDuration(d.cfg.Digest.Cron); next > 0 {
				timer.Reset(next)
			}
		}
	}
}

// fireDigest builds and sends one usage digest (suppressed when idle).
func (d *Daemon) fireDigest(ctx context.Context, channelID string) {
	totals, err := d.store.Totals()
	if err != nil {
		log.Printf("bot: digest: %v", err)
		return
	}
	text := formatDigest(totals, d.timers.Pending(), d.cfg.Pricing)
	if text == "" {
		return
	}
	if _, err := d.adapter.Send(ctx, relay.Outbound{ChannelID: channelID, Text: text}); err != nil {
		log.Printf("bot: send digest: %v", err)
	}
}

// operatorChannel returns the configured operator channel for the active
// platform.
func (d *Daemon) operatorChannel() string {
	switch d.cfg.Platform {
	case "discord":
		return d.cfg.Discord.ChannelID
	case "slack":
		return d.cfg.Slack.Channel
	}
	return ""
}
