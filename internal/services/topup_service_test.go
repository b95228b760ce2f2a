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

// stubPaymentClient scripts the payment gateway and records what it was asked.
type stubPaymentClient struct {
	session      *gateway.PaymentSession
	sessionErr   error
	verification *gateway.PaymentVerification
	verifyErr    error
	initCalls    int
	verifyCalls  int
	lastInit     gateway.PaymentRequest
}

func (c *stubPaymentClient) InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentSession, error) {
	c.initCalls++
	c.lastInit = req
	if c.sessionErr != nil {
		return nil, c.sessionErr
	}
	return c.session, nil
}

func (c *stubPaymentClient) VerifyPaymentByReference(ctx context.Context, reference string) (*gateway.PaymentVerification, error) {
	c.verifyCalls++
	if c.verifyErr != nil {
		return nil, c.verifyErr
	}
	return c.verification, nil
}

func newTopupFixture(t *testing.T, payments gateway.PaymentClient) (*TopupService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewWalletLedgerService(db)
	service := NewTopupService(db, ledger, newTestExchange(), payments, nil, &config.GatewayConfig{Timeout: 5 * time.Second})
	return service, mock, func() { db.Close() }
}

func topupRow(id, walletID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "wallet_id", "local_currency", "local_amount", "amount",
		"exchange_rate", "payment_link", "external_ref", "status", "failure_reason",
		"created_at", "resolved_at"}).
		AddRow(id, walletID, "TZS", 5000.0, int64(500), 1000.0, "", "", status, "", time.Now(), nil)
}

func TestTopupService_Initiate(t *testing.T) {
	t.Run("opens a payment session for a pending topup", func(t *testing.T) {
		payments := &stubPaymentClient{session: &gateway.PaymentSession{Link: "https://pay.example/abc"}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectExec("INSERT INTO topup_requests").
			WithArgs(sqlmock.AnyArg(), "w1", "TZS", 5000.0, int64(500), 1000.0, models.TopupStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE topup_requests").
			WithArgs("https://pay.example/abc", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.Initiate(context.Background(), "w1", 5000.0, "TZS")
		assert.NoError(t, err)
		assert.Equal(t, models.TopupStatusPending, req.Status)
		assert.Equal(t, int64(500), req.Amount)
		assert.Equal(t, "https://pay.example/abc", req.PaymentLink)
		assert.Equal(t, req.ID, payments.lastInit.Reference)
		assert.Equal(t, 5000.0, payments.lastInit.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gateway failure marks the topup failed", func(t *testing.T) {
		payments := &stubPaymentClient{sessionErr: &gateway.Error{Kind: gateway.KindUnavailable, Message: "gateway down"}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectExec("INSERT INTO topup_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE topup_requests").
			WithArgs(models.TopupStatusFailed, "failed to open payment session", sqlmock.AnyArg(), sqlmock.AnyArg(), models.TopupStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.Initiate(context.Background(), "w1", 5000.0, "TZS")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown currency", func(t *testing.T) {
		service, _, done := newTopupFixture(t, &stubPaymentClient{})
		defer done()

		_, err := service.Initiate(context.Background(), "w1", 5000.0, "GBP")
		assert.True(t, errors.Is(err, ErrUnknownCurrency))
	})

	t.Run("non-positive amount", func(t *testing.T) {
		service, _, done := newTopupFixture(t, &stubPaymentClient{})
		defer done()

		_, err := service.Initiate(context.Background(), "w1", 0, "TZS")
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	})
}

func TestTopupService_Verify(t *testing.T) {
	t.Run("confirmed payment credits the wallet", func(t *testing.T) {
		payments := &stubPaymentClient{verification: &gateway.PaymentVerification{
			ExternalID: "flw-501", Amount: 5000.0, Currency: "TZS", Successful: true, Status: "successful",
		}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t1").
			WillReturnRows(topupRow("t1", "w1", models.TopupStatusPending))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t1").
			WillReturnRows(topupRow("t1", "w1", models.TopupStatusPending))
		mock.ExpectQuery("SELECT id, balance, version, updated_at").
			WithArgs("w1").
			WillReturnRows(walletRow("w1", 100, 1))
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), "w1", models.KindTopup, int64(500), models.TxStatusCompleted, "t1", 1000.0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallets").
			WithArgs(int64(600), sqlmock.AnyArg(), "w1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE topup_requests").
			WithArgs(models.TopupStatusCompleted, "flw-501", sqlmock.AnyArg(), "t1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req, err := service.Verify(context.Background(), "t1")
		assert.NoError(t, err)
		assert.Equal(t, models.TopupStatusCompleted, req.Status)
		assert.Equal(t, "flw-501", req.ExternalRef)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed topup is not credited twice", func(t *testing.T) {
		payments := &stubPaymentClient{verification: &gateway.PaymentVerification{Successful: true}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t2").
			WillReturnRows(topupRow("t2", "w1", models.TopupStatusCompleted))

		req, err := service.Verify(context.Background(), "t2")
		assert.NoError(t, err)
		assert.Equal(t, models.TopupStatusCompleted, req.Status)
		assert.Equal(t, 0, payments.verifyCalls)
	})

	t.Run("concurrent verify loses the race and backs off", func(t *testing.T) {
		payments := &stubPaymentClient{verification: &gateway.PaymentVerification{
			ExternalID: "flw-502", Successful: true, Status: "successful",
		}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		// Pending at first read, completed by the time the row is locked.
		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t3").
			WillReturnRows(topupRow("t3", "w1", models.TopupStatusPending))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t3").
			WillReturnRows(topupRow("t3", "w1", models.TopupStatusCompleted))
		mock.ExpectRollback()

		req, err := service.Verify(context.Background(), "t3")
		assert.NoError(t, err)
		assert.Equal(t, models.TopupStatusCompleted, req.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed payment marks the topup failed", func(t *testing.T) {
		payments := &stubPaymentClient{verification: &gateway.PaymentVerification{Successful: false, Status: "failed"}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t4").
			WillReturnRows(topupRow("t4", "w1", models.TopupStatusPending))
		mock.ExpectExec("UPDATE topup_requests").
			WithArgs(models.TopupStatusFailed, "payment not completed: failed", sqlmock.AnyArg(), "t4", models.TopupStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.Verify(context.Background(), "t4")
		assert.NoError(t, err)
		assert.Equal(t, models.TopupStatusFailed, req.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("underpaid charge is not credited", func(t *testing.T) {
		payments := &stubPaymentClient{verification: &gateway.PaymentVerification{
			ExternalID: "flw-503", Amount: 4000.0, Currency: "TZS", Successful: true, Status: "successful",
		}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t5").
			WillReturnRows(topupRow("t5", "w1", models.TopupStatusPending))
		mock.ExpectExec("UPDATE topup_requests").
			WithArgs(models.TopupStatusFailed, "paid amount below topup amount", sqlmock.AnyArg(), "t5", models.TopupStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := service.Verify(context.Background(), "t5")
		assert.NoError(t, err)
		assert.Equal(t, models.TopupStatusFailed, req.Status)
	})

	t.Run("ambiguous verification leaves the topup pending", func(t *testing.T) {
		payments := &stubPaymentClient{verifyErr: &gateway.Error{Kind: gateway.KindTimeout, Message: "verify timed out"}}
		service, mock, done := newTopupFixture(t, payments)
		defer done()

		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("t6").
			WillReturnRows(topupRow("t6", "w1", models.TopupStatusPending))

		req, err := service.Verify(context.Background(), "t6")
		assert.Error(t, err)
		assert.Equal(t, models.TopupStatusPending, req.Status)
	})

	t.Run("unknown topup", func(t *testing.T) {
		service, mock, done := newTopupFixture(t, &stubPaymentClient{})
		defer done()

		mock.ExpectQuery("SELECT id, wallet_id, local_currency").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "local_currency", "local_amount", "amount",
				"exchange_rate", "payment_link", "external_ref", "status", "failure_reason",
				"created_at", "resolved_at"}))

		_, err := service.Verify(context.Background(), "ghost")
		assert.True(t, errors.Is(err, ErrTopupNotFound))
	})
}
