package registration

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/internal/events"
	"deslink/internal/logging"
	"deslink/internal/session"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 表单默认值
const (
	DefaultPriceETH = "0.001"
	DefaultPriceUSD = "1"
)

// FailureMessage 注册失败且没有更具体原因时的提示
const FailureMessage = "Failed to register node. Please try again."

// Form 节点注册表单
type Form struct {
	Location string `json:"location"`
	PriceETH string `json:"price_eth"`
	PriceUSD string `json:"price_usd"`
}

// DefaultForm 表单默认值
func DefaultForm() Form {
	return Form{PriceETH: DefaultPriceETH, PriceUSD: DefaultPriceUSD}
}

// Validated 校验通过的注册参数
type Validated struct {
	Location string
	PriceETH decimal.Decimal
	PriceUSD decimal.Decimal
	// 链上单位：wei 和稳定币最小单位
	PriceETHUnits *big.Int
	PriceUSDUnits *big.Int
}

func invalid(reason string) error {
	return deserrors.ErrDataValidation.WithReason(reason)
}

func parsePrice(raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

// Validate 校验表单，usdDecimals 为美元价格的链上精度
func (f Form) Validate(usdDecimals int32) (*Validated, error) {
	location := strings.TrimSpace(f.Location)
	if location == "" {
		return nil, invalid("Please enter a location")
	}

	priceETH, ok := parsePrice(f.PriceETH)
	if !ok {
		return nil, invalid("Please enter a valid ETH price (0 or greater)")
	}
	priceUSD, ok := parsePrice(f.PriceUSD)
	if !ok {
		return nil, invalid("Please enter a valid USD price (0 or greater)")
	}
	if priceETH.IsZero() && priceUSD.IsZero() {
		return nil, invalid("At least one price (ETH or USD) must be greater than 0")
	}

	return &Validated{
		Location:      location,
		PriceETH:      priceETH,
		PriceUSD:      priceUSD,
		PriceETHUnits: priceETH.Shift(18).BigInt(),
		PriceUSDUnits: priceUSD.Shift(usdDecimals).BigInt(),
	}, nil
}

// Registrar 注册能力，由会话管理器提供
type Registrar interface {
	Snapshot() session.Session
	RegisterNode(ctx context.Context, location string, priceETH, priceUSD *big.Int) (*types.Receipt, error)
}

// Result 注册成功的结果
type Result struct {
	Location string `json:"location"`
	PriceETH string `json:"price_eth"`
	PriceUSD string `json:"price_usd"`
	TxHash   string `json:"tx_hash"`
}

// Service 节点注册
type Service struct {
	registrar   Registrar
	publisher   events.Publisher
	audit       *logging.StructuredLogger
	usdDecimals int32
	logger      *logrus.Logger

	mu sync.Mutex
}

// NewService 创建注册服务
func NewService(registrar Registrar, publisher events.Publisher, audit *logging.StructuredLogger, usdDecimals int32, logger *logrus.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if usdDecimals <= 0 {
		usdDecimals = 6
	}
	return &Service{
		registrar:   registrar,
		publisher:   publisher,
		audit:       audit,
		usdDecimals: usdDecimals,
		logger:      logger,
	}
}

// Register 校验表单并发送注册交易，等待上链后发布注册事件
func (s *Service) Register(ctx context.Context, form Form) (*Result, error) {
	v, err := form.Validate(s.usdDecimals)
	if err != nil {
		return nil, err
	}

	snapshot := s.registrar.Snapshot()
	if snapshot.Account == nil {
		return nil, deserrors.ErrNotConnected
	}
	owner := snapshot.Account.Hex()

	// 同一钱包的交易按顺序提交
	s.mu.Lock()
	defer s.mu.Unlock()

	audit := logging.NewRegistrationLogger(s.audit, owner, v.Location)
	audit.Info("提交节点注册", "price_eth", v.PriceETH.String(), "price_usd", v.PriceUSD.String())

	receipt, err := s.registrar.RegisterNode(ctx, v.Location, v.PriceETHUnits, v.PriceUSDUnits)
	if err != nil {
		audit.Error("节点注册失败", "error", err.Error())
		if deserrors.IsUserRejection(err) {
			return nil, deserrors.ErrUserRejected.WithCause(err)
		}
		return nil, err
	}

	result := &Result{
		Location: v.Location,
		PriceETH: v.PriceETH.String(),
		PriceUSD: v.PriceUSD.String(),
		TxHash:   receipt.TxHash.Hex(),
	}
	audit.Info("节点注册已确认", "tx_hash", result.TxHash)

	if err := s.publisher.PublishRegistration(&models.RegistrationEvent{
		ID:          uuid.New(),
		Owner:       owner,
		Location:    result.Location,
		PriceETH:    result.PriceETH,
		PriceUSD:    result.PriceUSD,
		TxHash:      result.TxHash,
		ConfirmedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warnf("发布注册事件失败: %v", err)
	}

	s.logger.Infof("节点已注册: %s (%s)", result.Location, result.TxHash)
	return result, nil
}

// Message 注册失败时展示给用户的提示
func Message(err error) string {
	if err == nil {
		return ""
	}
	if deserrors.IsUserRejection(err) {
		return deserrors.UserMessage(deserrors.ErrUserRejected)
	}
	msg := deserrors.UserMessage(err)
	if msg == "" || msg == deserrors.GenericFailureMessage {
		return FailureMessage
	}
	return msg
}
