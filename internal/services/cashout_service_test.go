package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sokoni/ledger/internal/config"
	"github.com/sokoni/ledger/internal/gateway"
	"github.com/sokoni/ledger/internal/models"
	"github.com/stretchr/testify/assert"
)

// stubTransferClient scripts the gateway outcome and records what it was
// asked to transfer.
type stubTransferClient struct {
	result  *gateway.TransferResult
	err     error
	calls   int
	lastReq gateway.TransferRequest
}

func (c *stubTransferClient) InitiateMobileMoneyTransfer(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	c.calls++
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func newCashoutFixture(t *testing.T, transfers gateway.TransferClient) (*CashoutService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewWalletLedgerService(db)
	service := NewCashoutService(db, ledger, newTestExchange(), transfers, nil, nil, &config.GatewayConfig{Timeout: 5 * time.Second})
	return service, mock, func() { db.Close() }
}

func expectReserve(mock sqlmock.Sqlmock, walletID string, balance, amount int64) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, balance, version, updated_at").
		WithArgs(walletID).
		WillReturnRows(walletRow(walletID, balance, 1))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(walletID, models.KindCashoutReserve, models.TxStatusPending).
		WillReturnRows(reservedSum(0))
	mock.ExpectExec("INSERT INTO wallet_transactions").
		WithArgs(sqlmock.AnyArg(), walletID, models.KindCashoutReserve, -amount, models.TxStatusPending, sqlmock.AnyArg(), 1000.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestCashoutService_RequestCashout(t *testing.T) {
	t.Run("confirmed transfer settles the hold", func(t *testing.T) {
		transfers := &stubTransferClient{result: &gateway.TransferResult{ExternalID: "flw-123", Status: "success"}}
		service, mock, done := newCashoutFixture(t, transfers)
		defer done()

		mock.ExpectExec("INSERT INTO cashout_requests").
			WithArgs(sqlmock.AnyArg(), "w1", int64(600), "TZS", 6000.0, 1000.0, "+255712345678", models.CashoutStatusRequested, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectReserve(mock, "w1", 1000, 600)
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReserved, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// settle after the gateway confirms
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, kind, amount, status").
			WithArgs(sqlmock.AnyArg(), models.KindCashoutReserve, models.KindCashoutSettle, models.KindCashoutRelease).
			WillReturnRows(reservationRow("res-1", "w1", models.KindCashoutReserve, -600, models.TxStatusPending))
		mock.ExpectQuery("SELECT id, balance, version, updated_at").
			WithArgs("w1").
			WillReturnRows(walletRow("w1", 1000, 2))
		mock.ExpectExec("UPDATE wallet_transactions").
			WithArgs(models.KindCashoutSettle, models.TxStatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(400), sqlmock.AnyArg(), "w1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusSettled, sqlmock.AnyArg(), "flw-123", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.RequestCashout(context.Background(), "w1", 600, "TZS", "+255 712 345 678")
		assert.NoError(t, err)
		assert.Equal(t, models.CashoutStatusSettled, req.Status)
		assert.Equal(t, "flw-123", req.ExternalRef)
		assert.Equal(t, 1, transfers.calls)
		assert.Equal(t, 6000.0, transfers.lastReq.Amount)
		assert.Equal(t, "+255712345678", transfers.lastReq.Destination)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("definitive rejection releases the hold", func(t *testing.T) {
		transfers := &stubTransferClient{err: &gateway.Error{Kind: gateway.KindRejected, StatusCode: 200, Message: "account blocked"}}
		service, mock, done := newCashoutFixture(t, transfers)
		defer done()

		mock.ExpectExec("INSERT INTO cashout_requests").
			WithArgs(sqlmock.AnyArg(), "w1", int64(600), "TZS", 6000.0, 1000.0, "+255712345678", models.CashoutStatusRequested, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectReserve(mock, "w1", 1000, 600)
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReserved, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// release, no wallet balance update
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, kind, amount, status").
			WithArgs(sqlmock.AnyArg(), models.KindCashoutReserve, models.KindCashoutSettle, models.KindCashoutRelease).
			WillReturnRows(reservationRow("res-1", "w1", models.KindCashoutReserve, -600, models.TxStatusPending))
		mock.ExpectExec("UPDATE wallet_transactions").
			WithArgs(models.KindCashoutRelease, models.TxStatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReleased, sqlmock.AnyArg(), "", "account blocked", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.RequestCashout(context.Background(), "w1", 600, "TZS", "+255712345678")
		assert.Error(t, err)
		assert.Equal(t, models.CashoutStatusReleased, req.Status)
		assert.Equal(t, "account blocked", req.FailureReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ambiguous timeout leaves the hold pending", func(t *testing.T) {
		transfers := &stubTransferClient{err: &gateway.Error{Kind: gateway.KindTimeout, Message: "gateway timeout after 5s"}}
		service, mock, done := newCashoutFixture(t, transfers)
		defer done()

		mock.ExpectExec("INSERT INTO cashout_requests").
			WithArgs(sqlmock.AnyArg(), "w1", int64(600), "TZS", 6000.0, 1000.0, "+255712345678", models.CashoutStatusRequested, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectReserve(mock, "w1", 1000, 600)
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReserved, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// no settle, no release: only the request row moves to STUCK
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusStuck, sqlmock.AnyArg(), "", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.RequestCashout(context.Background(), "w1", 600, "TZS", "+255712345678")
		assert.Error(t, err)
		assert.Equal(t, models.CashoutStatusStuck, req.Status)
		assert.Nil(t, req.ResolvedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reservation marker failure parks the request before the gateway", func(t *testing.T) {
		transfers := &stubTransferClient{result: &gateway.TransferResult{ExternalID: "flw-777"}}
		service, mock, done := newCashoutFixture(t, transfers)
		defer done()

		mock.ExpectExec("INSERT INTO cashout_requests").
			WithArgs(sqlmock.AnyArg(), "w1", int64(600), "TZS", 6000.0, 1000.0, "+255712345678", models.CashoutStatusRequested, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectReserve(mock, "w1", 1000, 600)

		// The hold is committed but the RESERVED marker fails; the request
		// must carry its reservation id into STUCK and never reach the gateway.
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReserved, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusStuck, sqlmock.AnyArg(), "", "failed to record reservation", nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.RequestCashout(context.Background(), "w1", 600, "TZS", "+255712345678")
		assert.Error(t, err)
		assert.Equal(t, models.CashoutStatusStuck, req.Status)
		assert.NotEmpty(t, req.ReservationID)
		assert.Equal(t, 0, transfers.calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance never reaches the gateway", func(t *testing.T) {
		transfers := &stubTransferClient{result: &gateway.TransferResult{ExternalID: "flw-999"}}
		service, mock, done := newCashoutFixture(t, transfers)
		defer done()

		mock.ExpectExec("INSERT INTO cashout_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version, updated_at").
			WithArgs("w1").
			WillReturnRows(walletRow("w1", 100, 1))
		mock.ExpectQuery("SELECT COALESCE").
			WithArgs("w1", models.KindCashoutReserve, models.TxStatusPending).
			WillReturnRows(reservedSum(0))
		mock.ExpectRollback()
		mock.ExpectExec("UPDATE cashout_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.RequestCashout(context.Background(), "w1", 600, "TZS", "+255712345678")
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
		assert.Equal(t, 0, transfers.calls)
	})

	t.Run("destination validation", func(t *testing.T) {
		transfers := &stubTransferClient{}
		service, _, done := newCashoutFixture(t, transfers)
		defer done()

		cases := []struct {
			name        string
			destination string
			currency    string
		}{
			{"missing plus prefix", "255712345678", "TZS"},
			{"too short", "+25571", "TZS"},
			{"wrong country for TZS", "+254712345678", "TZS"},
			{"wrong country for KES", "+255712345678", "KES"},
			{"non-digit characters", "+2557123456ab", "TZS"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := service.RequestCashout(context.Background(), "w1", 100, tc.currency, tc.destination)
				assert.True(t, errors.Is(err, ErrInvalidDestinationFormat))
			})
		}
		assert.Equal(t, 0, transfers.calls)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		service, _, done := newCashoutFixture(t, &stubTransferClient{})
		defer done()

		_, err := service.RequestCashout(context.Background(), "w1", 0, "TZS", "+255712345678")
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	})
}

func cashoutRow(id, walletID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "wallet_id", "amount", "local_currency", "local_amount",
		"exchange_rate", "destination", "reservation_id", "external_ref", "status",
		"failure_reason", "created_at", "resolved_at"}).
		AddRow(id, walletID, int64(600), "TZS", 6000.0, 1000.0, "+255712345678", "", "", status, "", time.Now(), nil)
}

func TestCashoutService_Cancel(t *testing.T) {
	service, mock, done := newCashoutFixture(t, &stubTransferClient{})
	defer done()

	t.Run("cancels a requested cashout", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, amount, local_currency").
			WithArgs("c1").
			WillReturnRows(cashoutRow("c1", "w1", models.CashoutStatusRequested))
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReleased, "cancelled by user", sqlmock.AnyArg(), "c1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Cancel(context.Background(), "c1")
		assert.NoError(t, err)
		assert.Equal(t, models.CashoutStatusReleased, req.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reserved cashout is no longer cancellable", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, amount, local_currency").
			WithArgs("c2").
			WillReturnRows(cashoutRow("c2", "w1", models.CashoutStatusReserved))
		mock.ExpectRollback()

		_, err := service.Cancel(context.Background(), "c2")
		assert.True(t, errors.Is(err, ErrCashoutNotCancellable))
	})

	t.Run("unknown cashout", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, amount, local_currency").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "amount", "local_currency", "local_amount",
				"exchange_rate", "destination", "reservation_id", "external_ref", "status",
				"failure_reason", "created_at", "resolved_at"}))
		mock.ExpectRollback()

		_, err := service.Cancel(context.Background(), "ghost")
		assert.True(t, errors.Is(err, ErrCashoutNotFound))
	})
}

func reservedCashoutRow(id, walletID, reservationID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "wallet_id", "amount", "local_currency", "local_amount",
		"exchange_rate", "destination", "reservation_id", "external_ref", "status",
		"failure_reason", "created_at", "resolved_at"}).
		AddRow(id, walletID, int64(600), "TZS", 6000.0, 1000.0, "+255712345678", reservationID, "", status, "", time.Now(), nil)
}

func TestCashoutService_ResolveFromGateway(t *testing.T) {
	t.Run("confirmed transfer settles a stuck request", func(t *testing.T) {
		service, mock, done := newCashoutFixture(t, &stubTransferClient{})
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, amount, local_currency").
			WithArgs("c1").
			WillReturnRows(reservedCashoutRow("c1", "w1", "res-9", models.CashoutStatusStuck))
		mock.ExpectQuery("SELECT id, wallet_id, kind, amount, status").
			WithArgs("res-9", models.KindCashoutReserve, models.KindCashoutSettle, models.KindCashoutRelease).
			WillReturnRows(reservationRow("res-9", "w1", models.KindCashoutReserve, -600, models.TxStatusPending))
		mock.ExpectQuery("SELECT id, balance, version, updated_at").
			WithArgs("w1").
			WillReturnRows(walletRow("w1", 1000, 2))
		mock.ExpectExec("UPDATE wallet_transactions").
			WithArgs(models.KindCashoutSettle, models.TxStatusCompleted, sqlmock.AnyArg(), "res-9").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(400), sqlmock.AnyArg(), "w1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusSettled, "flw-async-1", sqlmock.AnyArg(), "c1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.ResolveFromGateway(context.Background(), "c1", "flw-async-1", true)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed transfer releases a stuck request", func(t *testing.T) {
		service, mock, done := newCashoutFixture(t, &stubTransferClient{})
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, amount, local_currency").
			WithArgs("c2").
			WillReturnRows(reservedCashoutRow("c2", "w1", "res-9", models.CashoutStatusStuck))
		mock.ExpectQuery("SELECT id, wallet_id, kind, amount, status").
			WithArgs("res-9", models.KindCashoutReserve, models.KindCashoutSettle, models.KindCashoutRelease).
			WillReturnRows(reservationRow("res-9", "w1", models.KindCashoutReserve, -600, models.TxStatusPending))
		mock.ExpectExec("UPDATE wallet_transactions").
			WithArgs(models.KindCashoutRelease, models.TxStatusFailed, sqlmock.AnyArg(), "res-9").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cashout_requests").
			WithArgs(models.CashoutStatusReleased, "gateway reported transfer failed", sqlmock.AnyArg(), "c2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.ResolveFromGateway(context.Background(), "c2", "flw-async-2", false)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal request ignores redelivery", func(t *testing.T) {
		service, mock, done := newCashoutFixture(t, &stubTransferClient{})
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, amount, local_currency").
			WithArgs("c3").
			WillReturnRows(reservedCashoutRow("c3", "w1", "res-9", models.CashoutStatusSettled))
		mock.ExpectRollback()

		err := service.ResolveFromGateway(context.Background(), "c3", "flw-async-3", true)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNormalizeDestination(t *testing.T) {
	t.Run("strips spaces and dashes", func(t *testing.T) {
		normalized, err := normalizeDestination("+255 712-345-678", "TZS")
		assert.NoError(t, err)
		assert.Equal(t, "+255712345678", normalized)
	})

	t.Run("currency without prefix rule only needs international format", func(t *testing.T) {
		normalized, err := normalizeDestination("+2348012345678", "NGN")
		assert.NoError(t, err)
		assert.Equal(t, "+2348012345678", normalized)
	})
}
