package gateway

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"time"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/pkg/config"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

// Status is the normalised transaction state reported by the provider.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

// CheckoutRequest describes a transaction to open with the provider.
type CheckoutRequest struct {
	Reference     string
	Amount        int64
	Description   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// CheckoutSession carries the provider handle the client uses to pay.
type CheckoutSession struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// VerificationResult is the outcome of a transaction status check.
type VerificationResult struct {
	Reference   string
	Status      Status
	GatewayRef  string
	GrossAmount string
	RawStatus   string
}

// Notification is the provider webhook payload.
type Notification struct {
	TransactionTime   string `json:"transaction_time"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	StatusCode        string `json:"status_code"`
	SignatureKey      string `json:"signature_key"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
}

// Midtrans wraps the Midtrans Snap and Core API clients.
type Midtrans struct {
	serverKey  string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	snap snap.Client
	core coreapi.Client
}

// NewMidtrans configures the provider clients from config.
func NewMidtrans(cfg config.GatewayConfig, logger *zap.Logger) *Midtrans {
	if logger == nil {
		logger = zap.NewNop()
	}
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	m := &Midtrans{
		serverKey:  cfg.ServerKey,
		timeout:    timeout,
		maxRetries: retries,
		retryDelay: time.Second,
		logger:     logger,
	}
	m.snap.New(cfg.ServerKey, env)
	m.core.New(cfg.ServerKey, env)
	return m
}

// CreateCheckout opens a Snap transaction and returns the payment session.
func (m *Midtrans) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.Reference == "" || req.Amount <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "checkout requires a reference and a positive amount")
	}

	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: req.Amount,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.Reference,
				Price: req.Amount,
				Qty:   1,
				Name:  req.Description,
			},
		},
	}

	type outcome struct {
		resp *snap.Response
		err  *midtrans.Error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := m.snap.CreateTransaction(snapReq)
		ch <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, appErrors.Wrap(ctx.Err(), appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "checkout cancelled")
	case <-timer.C:
		return nil, appErrors.Clone(appErrors.ErrGatewayUnavailable, "payment gateway timed out")
	case out := <-ch:
		if out.err != nil {
			return nil, appErrors.Wrap(out.err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "payment gateway rejected checkout")
		}
		return &CheckoutSession{Token: out.resp.Token, RedirectURL: out.resp.RedirectURL}, nil
	}
}

// Verify checks the transaction status with the provider. Transport
// failures and timeouts are retried up to the configured attempts.
func (m *Midtrans) Verify(ctx context.Context, reference string) (*VerificationResult, error) {
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(m.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, appErrors.Wrap(ctx.Err(), appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "verification cancelled")
			case <-timer.C:
			}
			m.logger.Warn("retrying gateway verification",
				zap.String("reference", reference),
				zap.Int("attempt", attempt+1),
			)
		}

		result, retryable, err := m.checkOnce(ctx, reference)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, appErrors.Wrap(lastErr, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "payment gateway unreachable")
}

func (m *Midtrans) checkOnce(ctx context.Context, reference string) (*VerificationResult, bool, error) {
	type outcome struct {
		resp *coreapi.TransactionStatusResponse
		err  *midtrans.Error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := m.core.CheckTransaction(reference)
		ch <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, false, appErrors.Wrap(ctx.Err(), appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "verification cancelled")
	case <-timer.C:
		return nil, true, appErrors.Clone(appErrors.ErrGatewayUnavailable, "payment gateway timed out")
	case out := <-ch:
		if out.err != nil {
			if out.err.StatusCode == 404 {
				return nil, false, appErrors.Clone(appErrors.ErrNotFound, "transaction not found on gateway")
			}
			retryable := out.err.StatusCode == 0 || out.err.StatusCode >= 500
			return nil, retryable, appErrors.Wrap(out.err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "gateway status check failed")
		}
		if out.resp == nil {
			return nil, true, appErrors.Clone(appErrors.ErrGatewayUnavailable, "empty gateway response")
		}
		return &VerificationResult{
			Reference:   out.resp.OrderID,
			Status:      mapTransactionStatus(out.resp.TransactionStatus, out.resp.FraudStatus),
			GatewayRef:  out.resp.TransactionID,
			GrossAmount: out.resp.GrossAmount,
			RawStatus:   out.resp.TransactionStatus,
		}, false, nil
	}
}

// ValidNotification verifies the webhook signature:
// SHA512(order_id + status_code + gross_amount + server key).
func (m *Midtrans) ValidNotification(n Notification) bool {
	if n.SignatureKey == "" {
		return false
	}
	raw := n.OrderID + n.StatusCode + n.GrossAmount + m.serverKey
	sum := sha512.Sum512([]byte(raw))
	return hex.EncodeToString(sum[:]) == strings.ToLower(n.SignatureKey)
}

// Result maps the webhook payload onto the normalised verification result.
func (n Notification) Result() VerificationResult {
	return VerificationResult{
		Reference:   n.OrderID,
		Status:      mapTransactionStatus(n.TransactionStatus, n.FraudStatus),
		GatewayRef:  n.TransactionID,
		GrossAmount: n.GrossAmount,
		RawStatus:   n.TransactionStatus,
	}
}

func mapTransactionStatus(transaction, fraud string) Status {
	switch transaction {
	case "settlement":
		return StatusSuccess
	case "capture":
		if fraud == "challenge" {
			return StatusPending
		}
		return StatusSuccess
	case "pending":
		return StatusPending
	case "deny", "cancel", "expire", "failure":
		return StatusFailed
	default:
		return StatusPending
	}
}
