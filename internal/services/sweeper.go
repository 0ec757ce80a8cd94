package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	StaleResultCode = "STALE"
	staleResultDesc = "no callback received before timeout"
)

// StaleSweeper fails transactions whose callback never arrived.
type StaleSweeper struct {
	ledger     *TransactionLedger
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewStaleSweeper(ledger *TransactionLedger, staleAfter, interval time.Duration) *StaleSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleSweeper{ledger: ledger, staleAfter: staleAfter, interval: interval, now: time.Now}
}

// SweepOnce fails every Pending or Submitted transaction older than the
// threshold and returns how many were touched.
func (s *StaleSweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.ledger.FailStale(ctx, cutoff, StaleResultCode, staleResultDesc)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("count", n).Time("cutoff", cutoff).Msg("[Sweeper] failed stale transactions")
	}
	return n, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("[Sweeper] sweep failed")
			}
		}
	}
}
