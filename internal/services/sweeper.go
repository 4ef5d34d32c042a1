package services

import (
	"context"
	"database/sql"
	"log"
	"math/rand"
	"time"

	"github.com/swapyard/backend/internal/config"
)

// Sweeper is the periodic background process enforcing time-based
// transitions: offer expiry, listing expiry and escrow auto-release. Each
// sweep is a timestamp-predicate rescan with no persisted cursor, so a
// re-run after a crash is harmless, and every touched row is re-checked by
// its guard condition at update time.
type Sweeper struct {
	db     *sql.DB
	escrow *EscrowService
	cfg    *config.EscrowConfig
}

func NewSweeper(db *sql.DB, escrow *EscrowService, cfg *config.EscrowConfig) *Sweeper {
	return &Sweeper{
		db:     db,
		escrow: escrow,
		cfg:    cfg,
	}
}

// Run loops until the context is cancelled. The domain works in hours and
// days, so the default hourly interval is plenty.
func (s *Sweeper) Run(ctx context.Context) {
	// Stagger startup so restarted replicas don't sweep in lockstep.
	if jitter := s.cfg.SweepInterval / 10; jitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
		}
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[SWEEPER] Started, interval %s", s.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[SWEEPER] Stopped")
			return
		case <-ticker.C:
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce runs the three sweeps. Safe to call concurrently with live
// user actions.
func (s *Sweeper) SweepOnce(now time.Time) {
	if n, err := s.ExpireOffers(now); err != nil {
		log.Printf("[SWEEPER] Offer expiry failed: %v", err)
	} else if n > 0 {
		log.Printf("[SWEEPER] Expired %d offers", n)
	}

	if n, err := s.ExpireListings(now); err != nil {
		log.Printf("[SWEEPER] Listing expiry failed: %v", err)
	} else if n > 0 {
		log.Printf("[SWEEPER] Expired %d listings", n)
	}

	if n, err := s.escrow.AutoReleaseDue(now); err != nil {
		log.Printf("[SWEEPER] Auto-release failed: %v", err)
	} else if n > 0 {
		log.Printf("[SWEEPER] Auto-released %d transactions", n)
	}
}

// ExpireOffers expires every open offer past its deadline in one bulk
// conditional update.
func (s *Sweeper) ExpireOffers(now time.Time) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE offers SET status = 'expired'
		WHERE expires_at < $1 AND status IN ('pending', 'countered')`,
		now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpireListings expires active listings past their listing-level expiry.
func (s *Sweeper) ExpireListings(now time.Time) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE listings SET status = 'expired', updated_at = NOW()
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND status = 'active'`,
		now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
