package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-orchestrator/internal/models"
)

// Source enumerates outstanding items after cursor and returns the cursor to
// resume from next time.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cursor string) (items []Item, next string, err error)
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Source    Source
	Cursors   CursorStore
	Submitter Submitter
	Ledger    Ledger
	Interval  time.Duration
	Logger    *slog.Logger
}

// PollResult summarizes one poll.
type PollResult struct {
	Fetched   int
	Submitted int
	Skipped   int
	Cursor    string
}

// Poller periodically pulls a Source and submits one job per new item.
type Poller struct {
	source   Source
	cursors  CursorStore
	s        submitter
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	logger := cfg.Logger.With("component", "intake_poller", "source", cfg.Source.Name())
	return &Poller{
		source:   cfg.Source,
		cursors:  cfg.Cursors,
		s:        submitter{sub: cfg.Submitter, ledger: cfg.Ledger, logger: logger},
		interval: cfg.Interval,
		logger:   logger,
	}
}

// PollOnce fetches items since the saved cursor and submits them. The cursor
// only advances when every item was handled, so a failed poll is repeated
// and the ledger absorbs the items that already went through.
func (p *Poller) PollOnce(ctx context.Context) (PollResult, error) {
	name := p.source.Name()
	cursor, err := p.cursors.Load(ctx, name)
	if err != nil {
		return PollResult{}, err
	}
	items, next, err := p.source.Fetch(ctx, cursor)
	if err != nil {
		return PollResult{Cursor: cursor}, fmt.Errorf("fetch %s: %w", name, err)
	}

	res := PollResult{Fetched: len(items), Cursor: cursor}
	for _, item := range items {
		// Keys derive from the configured source name, the same one push
		// delivery uses, not from whatever the feed reports.
		item.Source = name
		r, err := p.s.submit(ctx, item, "pull")
		if err != nil {
			if errors.Is(err, models.ErrValidation) {
				p.logger.Warn("skipping invalid item", "external_id", item.ExternalID, "error", err)
				res.Skipped++
				continue
			}
			return res, err
		}
		if r.Outcome == OutcomeSubmitted {
			res.Submitted++
		} else {
			res.Skipped++
		}
	}

	if next != "" && next != cursor {
		if err := p.cursors.Save(ctx, name, next); err != nil {
			return res, err
		}
		res.Cursor = next
	}
	return res, nil
}

// Run polls immediately and then on every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller starting", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		res, err := p.PollOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Error("poll failed", "error", err)
		case res.Fetched > 0:
			p.logger.Info("poll complete",
				"fetched", res.Fetched,
				"submitted", res.Submitted,
				"skipped", res.Skipped,
				"cursor", res.Cursor)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
