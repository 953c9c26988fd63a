package payment

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/internal/journal"
	"deslink/internal/logging"
	"deslink/internal/session"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payerAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestForm_Validate(t *testing.T) {
	tests := []struct {
		name      string
		form      Form
		wantErr   string
		wantUnits string
	}{
		{name: "默认表单", form: DefaultForm(), wantUnits: "1000000000000000"},
		{name: "USDC一元", form: Form{NodeID: "2", Duration: "86400", Amount: "1", Method: models.PaymentMethodUSDC}, wantUnits: "1000000"},
		{name: "USDT最小值", form: Form{NodeID: "2", Duration: "43200", Amount: "0.01", Method: models.PaymentMethodUSDT}, wantUnits: "10000"},
		{name: "小写支付方式", form: Form{NodeID: "3", Duration: "21600", Amount: "0.0001", Method: "eth"}, wantUnits: "100000000000000"},
		{name: "时长不在允许范围", form: Form{NodeID: "1", Duration: "7200", Amount: "0.001", Method: models.PaymentMethodETH}, wantErr: "Please select a valid duration (1, 6, 12 or 24 hours)"},
		{name: "时长不是数字", form: Form{NodeID: "1", Duration: "1h", Amount: "0.001", Method: models.PaymentMethodETH}, wantErr: "Please select a valid duration (1, 6, 12 or 24 hours)"},
		{name: "节点为零", form: Form{NodeID: "0", Duration: "3600", Amount: "0.001", Method: models.PaymentMethodETH}, wantErr: "Please enter a valid node ID"},
		{name: "节点为负数", form: Form{NodeID: "-4", Duration: "3600", Amount: "0.001", Method: models.PaymentMethodETH}, wantErr: "Please enter a valid node ID"},
		{name: "金额不是数字", form: Form{NodeID: "1", Duration: "3600", Amount: "abc", Method: models.PaymentMethodETH}, wantErr: "Please enter a valid amount"},
		{name: "ETH低于最小值", form: Form{NodeID: "1", Duration: "3600", Amount: "0.00009", Method: models.PaymentMethodETH}, wantErr: "Minimum payment is 0.0001 ETH"},
		{name: "稳定币低于最小值", form: Form{NodeID: "1", Duration: "3600", Amount: "0.009", Method: models.PaymentMethodUSDC}, wantErr: "Minimum payment is 0.01 USDC"},
		{name: "稳定币精度过高", form: Form{NodeID: "1", Duration: "3600", Amount: "1.0000001", Method: models.PaymentMethodUSDT}, wantErr: "USDT supports at most 6 decimal places"},
		{name: "不支持的支付方式", form: Form{NodeID: "1", Duration: "3600", Amount: "1", Method: "DAI"}, wantErr: "Please choose ETH, USDC or USDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.form.Validate(6)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, deserrors.ErrDataValidation)
				assert.Equal(t, tt.wantErr, deserrors.UserMessage(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUnits, v.BaseUnits.String())
			assert.True(t, IsAllowedDuration(v.Duration))
		})
	}
}

func TestIsAllowedDuration(t *testing.T) {
	for _, d := range []int64{3600, 21600, 43200, 86400} {
		assert.True(t, IsAllowedDuration(d))
	}
	for _, d := range []int64{0, 1, 1800, 7200, 172800, -3600} {
		assert.False(t, IsAllowedDuration(d))
	}
}

// fakePayer 模拟会话：记录交易并产生链上支付记录
type fakePayer struct {
	mu        sync.Mutex
	connected bool
	err       error
	txs       []string
	payments  []models.Payment
	requests  []session.PaymentRequest
}

func (p *fakePayer) Snapshot() session.Session {
	if !p.connected {
		return session.Session{}
	}
	account := payerAccount
	return session.Session{Account: &account, IsConnected: true, State: session.Connected}
}

func (p *fakePayer) MakePayment(ctx context.Context, req session.PaymentRequest, onPhase func(session.Phase)) (*session.PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	result := &session.PaymentResult{}
	if req.Method.IsStablecoin() {
		onPhase(session.PhaseApproving)
		p.txs = append(p.txs, "approve")
		approve := common.HexToHash("0xa1")
		result.ApproveTx = &approve
	}
	onPhase(session.PhasePaying)
	if p.err != nil {
		return nil, p.err
	}
	p.txs = append(p.txs, "pay")
	result.PaymentTx = common.HexToHash("0xb2")
	p.payments = append(p.payments, models.Payment{
		User:      payerAccount,
		NodeID:    req.NodeID,
		Amount:    req.Amount,
		Duration:  req.Duration,
		Timestamp: big.NewInt(time.Now().Unix()),
	})
	return result, nil
}

func (p *fakePayer) GetUserPayments(ctx context.Context) []models.Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Payment(nil), p.payments...)
}

func (p *fakePayer) GetNetworkStats(ctx context.Context) *models.NetworkStats {
	return &models.NetworkStats{TotalNodes: big.NewInt(12), TotalVolume: big.NewInt(5e17)}
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	payments []*models.PaymentEvent
}

func (r *recordingPublisher) PublishPayment(e *models.PaymentEvent) error {
	r.payments = append(r.payments, e)
	return nil
}
func (r *recordingPublisher) PublishRegistration(*models.RegistrationEvent) error { return nil }
func (r *recordingPublisher) PublishGovernance(*models.GovernanceEvent) error     { return nil }
func (r *recordingPublisher) PublishError(*models.ErrorEvent) error               { return nil }
func (r *recordingPublisher) Close() error                                        { return nil }

func newWorkflow(t *testing.T, payer *fakePayer) (*Workflow, *journal.Journal, *recordingPublisher, *bytes.Buffer) {
	t.Helper()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	var buf bytes.Buffer
	audit, err := logging.NewStructuredLoggerWithWriter(&logging.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	return NewWorkflow(payer, j, pub, Options{StablecoinDecimals: 6, Audit: audit}, testLogger()), j, pub, &buf
}

func TestSubmit_ETHEndToEndHistory(t *testing.T) {
	payer := &fakePayer{connected: true}
	w, j, pub, audit := newWorkflow(t, payer)

	var (
		statuses []Status
		history  []HistoryEntry
	)
	w.SetForm(Form{NodeID: "9", Duration: "86400", Amount: "5", Method: models.PaymentMethodUSDC})

	receipt, err := w.Submit(context.Background(), DefaultForm(),
		func(s Status) { statuses = append(statuses, s) },
		func(ctx context.Context) {
			history = LoadDashboard(ctx, payer, DefaultHistoryLimit).History
		})
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusPaying, StatusConfirmed}, statuses)
	assert.Equal(t, []string{"pay"}, payer.txs)
	assert.Empty(t, receipt.ApproveTx)
	assert.Equal(t, "1000000000000000", payer.requests[0].Amount.String())

	require.Len(t, history, 1)
	assert.Equal(t, "Node-1", history[0].Node)
	assert.Equal(t, "0.001 ETH", history[0].Amount)
	assert.Equal(t, time.Now().Format("2006-01-02"), history[0].Date)
	assert.Equal(t, "Completed", history[0].Status)

	assert.Equal(t, DefaultForm(), w.Form())
	status, msg := w.Status()
	assert.Equal(t, StatusConfirmed, status)
	assert.Empty(t, msg)

	entry, err := j.Get(receipt.EntryID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusConfirmed, entry.Status)
	assert.Equal(t, receipt.PaymentTx, entry.PaymentTx)

	require.Len(t, pub.payments, 1)
	assert.Equal(t, receipt.EntryID, pub.payments[0].ID)
	assert.Equal(t, "0.001", pub.payments[0].Amount)

	assert.Contains(t, audit.String(), `"component":"payment_workflow"`)
}

func TestSubmit_StablecoinTwoPhases(t *testing.T) {
	payer := &fakePayer{connected: true}
	w, _, pub, _ := newWorkflow(t, payer)

	var statuses []Status
	receipt, err := w.Submit(context.Background(),
		Form{NodeID: "4", Duration: "21600", Amount: "2.5", Method: models.PaymentMethodUSDT},
		func(s Status) { statuses = append(statuses, s) }, nil)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusApproving, StatusPaying, StatusConfirmed}, statuses)
	assert.Equal(t, []string{"approve", "pay"}, payer.txs)
	assert.NotEmpty(t, receipt.ApproveTx)
	assert.Equal(t, "2500000", payer.requests[0].Amount.String())
	assert.Equal(t, receipt.ApproveTx, pub.payments[0].ApproveTx)
}

func TestSubmit_Failures(t *testing.T) {
	t.Run("校验失败不发送交易", func(t *testing.T) {
		payer := &fakePayer{connected: true}
		w, j, _, _ := newWorkflow(t, payer)

		form := Form{NodeID: "1", Duration: "7200", Amount: "0.001", Method: models.PaymentMethodETH}
		_, err := w.Submit(context.Background(), form, nil, nil)
		assert.ErrorIs(t, err, deserrors.ErrDataValidation)
		assert.Empty(t, payer.requests)
		assert.Equal(t, form, w.Form())

		entries, err := j.List(0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("未连接钱包", func(t *testing.T) {
		payer := &fakePayer{}
		w, _, _, _ := newWorkflow(t, payer)

		_, err := w.Submit(context.Background(), DefaultForm(), nil, nil)
		assert.ErrorIs(t, err, deserrors.ErrNotConnected)
		_, msg := w.Status()
		assert.Equal(t, "Please connect your wallet first", msg)
	})

	t.Run("用户拒绝", func(t *testing.T) {
		payer := &fakePayer{connected: true, err: deserrors.ErrPaymentRejected.WithCause(errors.New("user rejected"))}
		w, j, pub, _ := newWorkflow(t, payer)

		refreshed := false
		_, err := w.Submit(context.Background(), DefaultForm(), nil, func(context.Context) { refreshed = true })
		assert.ErrorIs(t, err, deserrors.ErrPaymentRejected)
		assert.False(t, refreshed)
		assert.Empty(t, pub.payments)

		status, msg := w.Status()
		assert.Equal(t, StatusFailed, status)
		assert.Equal(t, "Transaction was rejected by user.", msg)

		entries, err := j.List(0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, journal.StatusFailed, entries[0].Status)
		assert.Equal(t, msg, entries[0].Error)
	})
}

func TestBuildHistory(t *testing.T) {
	var payments []models.Payment
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
	for i := 0; i < 15; i++ {
		payments = append(payments, models.Payment{
			NodeID:    big.NewInt(int64(i + 1)),
			Amount:    big.NewInt(2e15),
			Timestamp: big.NewInt(base.Add(time.Duration(i) * 24 * time.Hour).Unix()),
		})
	}

	history := BuildHistory(payments, 0)
	require.Len(t, history, DefaultHistoryLimit)
	assert.Equal(t, "Node-15", history[0].Node)
	assert.Equal(t, "2025-03-15", history[0].Date)
	assert.Equal(t, "0.002 ETH", history[0].Amount)
	assert.Equal(t, "Node-6", history[9].Node)

	assert.Empty(t, BuildHistory(nil, 10))
	assert.Len(t, BuildHistory(payments, 3), 3)
}
