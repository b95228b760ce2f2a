package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sokoni/ledger/internal/config"
	"github.com/sokoni/ledger/internal/models"
	"github.com/sokoni/ledger/internal/observability"
)

// ReconcilerService sweeps cashout requests whose gateway outcome was never
// learned. A request older than the stuck threshold with no external
// reference is treated as never-paid: its reservation is released and the
// funds return to the wallet's available balance. Each release is a
// separate transaction so one bad row cannot wedge the sweep.
type ReconcilerService struct {
	db     *sql.DB
	ledger *WalletLedgerService
	cfg    *config.ReconcilerConfig
}

func NewReconcilerService(db *sql.DB, ledger *WalletLedgerService, cfg *config.ReconcilerConfig) *ReconcilerService {
	return &ReconcilerService{db: db, ledger: ledger, cfg: cfg}
}

// CleanupStuck releases every stuck cashout older than the threshold and
// returns how many were reconciled. A non-positive threshold falls back to
// the configured default.
func (s *ReconcilerService) CleanupStuck(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = s.cfg.StuckThreshold
	}
	cutoff := time.Now().Add(-threshold)

	// REQUESTED rows are joined against orphaned PENDING holds: a crash
	// between committing the reservation and recording it leaves the request
	// row behind, but the hold still carries the request id as its
	// correlation id.
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.wallet_id, COALESCE(NULLIF(c.reservation_id, ''), t.id, '') AS reservation_id, c.status
		FROM cashout_requests c
		LEFT JOIN wallet_transactions t
			ON t.correlation_id = c.id AND t.kind = $1 AND t.status = $2
		WHERE c.external_ref = '' AND c.created_at < $3
			AND (c.status IN ($4, $5) OR (c.status = $6 AND t.id IS NOT NULL))
		ORDER BY c.created_at`,
		models.KindCashoutReserve, models.TxStatusPending, cutoff,
		models.CashoutStatusReserved, models.CashoutStatusStuck, models.CashoutStatusRequested)
	if err != nil {
		return 0, err
	}

	type stuckRow struct {
		id            string
		walletID      string
		reservationID string
		status        string
	}
	var stuck []stuckRow
	for rows.Next() {
		var row stuckRow
		if err := rows.Scan(&row.id, &row.walletID, &row.reservationID, &row.status); err != nil {
			rows.Close()
			return 0, err
		}
		stuck = append(stuck, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reconciled := 0
	for _, row := range stuck {
		if err := s.releaseStuck(ctx, row.id, row.reservationID, threshold); err != nil {
			log.Printf("[RECONCILER] Failed to release cashout %s (wallet %s): %v", row.id, row.walletID, err)
			continue
		}
		log.Printf("[RECONCILER] Released cashout %s (wallet %s, was %s, older than %s)",
			row.id, row.walletID, row.status, threshold)
		observability.StuckReleasesTotal.Inc()
		reconciled++
	}
	return reconciled, nil
}

func (s *ReconcilerService) releaseStuck(ctx context.Context, cashoutID, reservationID string, threshold time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if reservationID != "" {
		if err := s.ledger.ReleaseReservationTx(ctx, tx, reservationID); err != nil {
			// A settled reservation with no external reference is an
			// anomaly that needs a human, not an automatic release.
			if errors.Is(err, ErrReservationAlreadyResolved) {
				return fmt.Errorf("reservation %s already settled, leaving request for manual review: %w", reservationID, err)
			}
			return err
		}
	}

	if _, err := tx.Exec(`
		UPDATE cashout_requests
		SET status = $1, failure_reason = $2, resolved_at = $3
		WHERE id = $4`,
		models.CashoutStatusReleased,
		fmt.Sprintf("released by reconciler after %s with no gateway confirmation", threshold),
		time.Now(), cashoutID); err != nil {
		return err
	}
	return tx.Commit()
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *ReconcilerService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[RECONCILER] Background sweep every %s (stuck threshold %s)",
		s.cfg.SweepInterval, s.cfg.StuckThreshold)
	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILER] Background sweep stopped")
			return
		case <-ticker.C:
			n, err := s.CleanupStuck(ctx, 0)
			if err != nil {
				log.Printf("[RECONCILER] Sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[RECONCILER] Sweep released %d stuck cashout(s)", n)
			}
		}
	}
}

// CleanupStuckHandler triggers a sweep on demand
// @Summary Release stuck cashout reservations
// @Description Releases reservations for cashouts older than the threshold that never got a gateway confirmation
// @Tags cashout
// @Produce json
// @Param threshold query string false "Override threshold, e.g. 30m or 2h"
// @Success 200 {object} map[string]int
// @Failure 400 {object} ErrorResponse
// @Router /wallet/cashout/cleanup-stuck [post]
func (s *ReconcilerService) CleanupStuckHandler(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			SendErrorResponse(w, "Invalid threshold duration", http.StatusBadRequest, nil)
			return
		}
		threshold = parsed
	}

	reconciled, err := s.CleanupStuck(r.Context(), threshold)
	if err != nil {
		log.Printf("[RECONCILER] Manual sweep failed: %v", err)
		SendErrorResponse(w, "Failed to run cleanup", http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"reconciled": reconciled})
}
