package relay

import (
	"context"
	"log/slog"

	"horsebot/internal/domain"
)

const defaultConcurrency = 5

// Loop consumes gateway events from the bus and runs the reply pipeline for
// each, with bounded concurrency. One pipeline instance per event; events on
// different conversations proceed in parallel. A failed event is logged and
// produces no reply; it never stops the loop.
type Loop struct {
	replier     *Replier
	bus         domain.MessageBus
	signalers   map[string]domain.ComposingSignaler
	concurrency int
	logger      *slog.Logger
}

type LoopConfig struct {
	Replier     *Replier
	Bus         domain.MessageBus
	Channels    []domain.Channel // adapters; used for composing indicators
	Concurrency int
	Logger      *slog.Logger
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	signalers := make(map[string]domain.ComposingSignaler)
	for _, ch := range cfg.Channels {
		if cs, ok := ch.(domain.ComposingSignaler); ok {
			signalers[ch.Name()] = cs
		}
	}
	return &Loop{
		replier:     cfg.Replier,
		bus:         cfg.Bus,
		signalers:   signalers,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Run blocks until ctx is cancelled or the bus closes.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("relay loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("relay loop stopping")
			return
		case ev, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, relay loop stopping")
				return
			}
			sem <- struct{}{}
			go func(ev domain.Event) {
				defer func() { <-sem }()
				l.processEvent(ctx, ev)
			}(ev)
		}
	}
}

func (l *Loop) processEvent(ctx context.Context, ev domain.Event) {
	l.logger.Info("processing event",
		"channel", ev.Channel,
		"chat", ev.ChatID,
		"author", ev.AuthorID,
		"content_len", len(ev.Content),
	)

	if cs, ok := l.signalers[ev.Channel]; ok {
		if err := cs.Composing(ctx, ev.ChatID); err != nil {
			l.logger.Debug("composing signal failed", "channel", ev.Channel, "err", err)
		}
	}

	text, err := l.replier.Reply(ctx, ev)
	if err != nil {
		l.logger.Error("reply failed",
			"channel", ev.Channel,
			"chat", ev.ChatID,
			"err", err,
		)
		return
	}

	l.bus.SendOutbound(domain.Outbound{
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		Content: text,
	})
}
