package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/codethecodeman/cannolikit/internal/log"
)

// Cleaner expires sessions. It runs as a repeating job on a strictly
// serial pool; concurrent passes would race on the same expiry set.
type Cleaner struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCleaner creates a cleaner over the given backend.
func NewCleaner(backend Backend) *Cleaner {
	return &Cleaner{
		backend: backend,
		logger:  log.WithComponent("cleanup"),
		now:     time.Now,
	}
}

// Run performs one cleanup pass: every session whose expiry has passed is
// removed together with all its routes, each in its own transaction so a
// failure on one session does not abort the pass. Running a pass twice in
// immediate succession is a no-op the second time.
func (c *Cleaner) Run(ctx context.Context) error {
	cutoff := c.now().UTC()

	scanTx, err := c.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin scan: %w", err)
	}
	ids, err := scanTx.ExpiredSessions(ctx, cutoff)
	_ = scanTx.Rollback()
	if err != nil {
		return fmt.Errorf("scan expired sessions: %w", err)
	}

	if len(ids) == 0 {
		return nil
	}

	removed := 0
	for _, id := range ids {
		if err := c.expireOne(ctx, id); err != nil {
			c.logger.Error().
				Err(err).
				Str(log.FieldSessionID, id).
				Msg("failed to expire session")
			continue
		}
		removed++
	}

	c.logger.Info().
		Int("expired", removed).
		Int("candidates", len(ids)).
		Msg("cleanup pass complete")
	return nil
}

func (c *Cleaner) expireOne(ctx context.Context, id string) error {
	tx, err := c.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	unit := NewUnit(tx)
	if err := unit.DeleteSession(ctx, id); err != nil {
		_ = unit.Rollback()
		return err
	}
	return unit.Commit(ctx)
}
