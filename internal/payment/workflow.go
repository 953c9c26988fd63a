package payment

import (
	"context"
	"math/big"
	"sync"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/internal/events"
	"deslink/internal/journal"
	"deslink/internal/logging"
	"deslink/internal/session"
	"deslink/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status 支付流程状态
type Status string

const (
	StatusIdle      Status = "idle"
	StatusApproving Status = "approving"
	StatusPaying    Status = "paying"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Payer 支付能力，由会话管理器提供
type Payer interface {
	Snapshot() session.Session
	MakePayment(ctx context.Context, req session.PaymentRequest, onPhase func(session.Phase)) (*session.PaymentResult, error)
}

// Options 流程参数
type Options struct {
	StablecoinDecimals int32
	Audit              *logging.StructuredLogger
}

// Receipt 一次成功支付的结果
type Receipt struct {
	EntryID   uuid.UUID `json:"entry_id"`
	ApproveTx string    `json:"approve_tx,omitempty"`
	PaymentTx string    `json:"payment_tx"`
}

// Workflow 支付流程：校验表单，委托会话发送交易，记录日志并发布事件
type Workflow struct {
	payer     Payer
	journal   *journal.Journal
	publisher events.Publisher
	opts      Options
	logger    *logrus.Logger

	mu        sync.Mutex
	form      Form
	status    Status
	lastError string
	// 同一时间只允许一笔支付
	submitting bool
}

// NewWorkflow 创建支付流程，journal 可以为空
func NewWorkflow(payer Payer, j *journal.Journal, publisher events.Publisher, opts Options, logger *logrus.Logger) *Workflow {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.StablecoinDecimals <= 0 {
		opts.StablecoinDecimals = 6
	}
	return &Workflow{
		payer:     payer,
		journal:   j,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		form:      DefaultForm(),
		status:    StatusIdle,
	}
}

// Form 当前表单
func (w *Workflow) Form() Form {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.form
}

// SetForm 更新表单
func (w *Workflow) SetForm(f Form) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.form = f
}

// Status 当前状态和最近一次错误提示
func (w *Workflow) Status() (Status, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.lastError
}

func (w *Workflow) setStatus(status Status, msg string, onStatus func(Status)) {
	w.mu.Lock()
	w.status = status
	w.lastError = msg
	w.mu.Unlock()

	if onStatus != nil {
		onStatus(status)
	}
}

// Submit 提交表单，成功后调用 refresh 并重置表单
func (w *Workflow) Submit(ctx context.Context, form Form, onStatus func(Status), refresh func(ctx context.Context)) (*Receipt, error) {
	w.mu.Lock()
	if w.submitting {
		w.mu.Unlock()
		return nil, deserrors.ErrActionNotAllowed.WithReason("A payment is already in progress")
	}
	w.submitting = true
	w.form = form
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.submitting = false
		w.mu.Unlock()
	}()

	v, err := form.Validate(w.opts.StablecoinDecimals)
	if err != nil {
		w.setStatus(StatusFailed, deserrors.UserMessage(err), onStatus)
		return nil, err
	}

	snapshot := w.payer.Snapshot()
	if snapshot.Account == nil {
		err := deserrors.ErrNotConnected
		w.setStatus(StatusFailed, deserrors.UserMessage(err), onStatus)
		return nil, err
	}
	account := snapshot.Account.Hex()

	entry := w.begin(account, v)
	audit := logging.NewPaymentLogger(w.opts.Audit, entry.ID.String(), account, v.NodeID)
	audit.Info("提交支付", "method", string(v.Method), "amount", v.Amount.String(), "duration", v.Duration)

	result, err := w.payer.MakePayment(ctx, session.PaymentRequest{
		NodeID:   big.NewInt(v.NodeID),
		Duration: big.NewInt(v.Duration),
		Amount:   v.BaseUnits,
		Method:   v.Method,
	}, func(phase session.Phase) {
		status := StatusPaying
		if phase == session.PhaseApproving {
			status = StatusApproving
		}
		w.record(entry.ID, func(e *journal.Entry) { e.Status = journal.Status(status) })
		audit.Info("支付阶段", "phase", string(phase))
		w.setStatus(status, "", onStatus)
	})
	if err != nil {
		msg := deserrors.UserMessage(err)
		w.record(entry.ID, func(e *journal.Entry) {
			e.Status = journal.StatusFailed
			e.Error = msg
		})
		audit.Error("支付失败", "error", err.Error())
		w.setStatus(StatusFailed, msg, onStatus)
		return nil, err
	}

	receipt := &Receipt{EntryID: entry.ID, PaymentTx: result.PaymentTx.Hex()}
	if result.ApproveTx != nil {
		receipt.ApproveTx = result.ApproveTx.Hex()
	}

	w.record(entry.ID, func(e *journal.Entry) {
		e.Status = journal.StatusConfirmed
		e.ApproveTx = receipt.ApproveTx
		e.PaymentTx = receipt.PaymentTx
	})
	audit.Info("支付已确认", "payment_tx", receipt.PaymentTx)

	if err := w.publisher.PublishPayment(&models.PaymentEvent{
		ID:          entry.ID,
		Account:     account,
		NodeID:      v.NodeID,
		Duration:    v.Duration,
		Amount:      v.Amount.String(),
		Method:      v.Method,
		ApproveTx:   receipt.ApproveTx,
		PaymentTx:   receipt.PaymentTx,
		ConfirmedAt: time.Now().UTC(),
	}); err != nil {
		w.logger.Warnf("发布支付事件失败: %v", err)
	}

	w.setStatus(StatusConfirmed, "", onStatus)
	if refresh != nil {
		refresh(ctx)
	}

	w.mu.Lock()
	w.form = DefaultForm()
	w.mu.Unlock()

	return receipt, nil
}

// begin 写入日志，日志不可用时只记录警告
func (w *Workflow) begin(account string, v *Validated) *journal.Entry {
	entry := journal.Entry{
		ID:       uuid.New(),
		Account:  account,
		NodeID:   v.NodeID,
		Duration: v.Duration,
		Amount:   v.Amount.String(),
		Method:   v.Method,
	}
	if w.journal == nil {
		return &entry
	}

	saved, err := w.journal.Begin(entry)
	if err != nil {
		w.logger.Warnf("写入支付日志失败: %v", err)
		return &entry
	}
	return saved
}

func (w *Workflow) record(id uuid.UUID, fn func(e *journal.Entry)) {
	if w.journal == nil {
		return
	}
	if _, err := w.journal.Update(id, fn); err != nil {
		w.logger.Warnf("更新支付日志失败: %v", err)
	}
}
