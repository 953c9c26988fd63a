package governance

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/internal/events"
	"deslink/internal/logging"
	"deslink/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// MaxProposalID 面板加载的提案编号上限，编号从1开始
const MaxProposalID = 10

// Chain 治理面板需要的链上能力
type Chain interface {
	CanParticipateInGovernance(ctx context.Context, account common.Address) (bool, error)
	GetUserReputation(ctx context.Context, account common.Address) (*big.Int, error)
	GetProposalDetails(ctx context.Context, id *big.Int) (*models.Proposal, error)
	VoteOnProposal(ctx context.Context, id *big.Int, support bool) (*types.Receipt, error)
	ExecuteProposal(ctx context.Context, id *big.Int) (*types.Receipt, error)
}

// ProposalView 面板中的提案及可用操作
type ProposalView struct {
	*models.Proposal
	TypeName   string `json:"type_name"`
	Expired    bool   `json:"expired"`
	CanVote    bool   `json:"can_vote"`
	CanExecute bool   `json:"can_execute"`
}

// State 面板状态
type State struct {
	Account    *common.Address `json:"account"`
	Eligible   bool            `json:"eligible"`
	Reputation *big.Int        `json:"reputation"`
	Proposals  []ProposalView  `json:"proposals"`
	LoadedAt   time.Time       `json:"loaded_at"`
}

// Allowed 提案当前允许的操作：投票要求有资格、未执行、未过期；执行还要求赞成多于反对
func Allowed(eligible bool, p *models.Proposal, now time.Time) (canVote, canExecute bool) {
	if !eligible || p == nil || p.IsTerminal(now) {
		return false, false
	}
	return true, p.IsWinning()
}

// Panel 治理面板
type Panel struct {
	chain     Chain
	handler   *deserrors.ErrorHandler
	publisher events.Publisher
	audit     *logging.StructuredLogger
	logger    *logrus.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state *State
}

// NewPanel 创建治理面板
func NewPanel(chain Chain, handler *deserrors.ErrorHandler, publisher events.Publisher, audit *logging.StructuredLogger, logger *logrus.Logger) *Panel {
	if handler == nil {
		handler = deserrors.NewErrorHandler(logger)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Panel{
		chain:     chain,
		handler:   handler,
		publisher: publisher,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *Panel) view(eligible bool, proposal *models.Proposal) ProposalView {
	now := p.now()
	canVote, canExecute := Allowed(eligible, proposal, now)
	return ProposalView{
		Proposal:   proposal,
		TypeName:   proposal.ProposalType.String(),
		Expired:    proposal.IsExpired(now),
		CanVote:    canVote,
		CanExecute: canExecute,
	}
}

// Load 读取账户资格、信誉分和提案列表
func (p *Panel) Load(ctx context.Context, account common.Address) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := &State{
		Account:    &account,
		Reputation: big.NewInt(0),
		Proposals:  make([]ProposalView, 0),
	}

	eligible, err := p.chain.CanParticipateInGovernance(ctx, account)
	if err != nil {
		p.logger.Warnf("查询治理资格失败: %v", err)
	}
	state.Eligible = err == nil && eligible

	if reputation, err := p.chain.GetUserReputation(ctx, account); err != nil {
		p.logger.Warnf("查询信誉分失败: %v", err)
	} else if reputation != nil {
		state.Reputation = reputation
	}

	for id := int64(1); id <= MaxProposalID; id++ {
		proposal, err := p.chain.GetProposalDetails(ctx, big.NewInt(id))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Debugf("读取提案 %d 失败: %v", id, err)
			continue
		}
		if proposal == nil || !proposal.IsAllocated() {
			continue
		}
		if proposal.ID == nil || proposal.ID.Sign() == 0 {
			proposal.ID = big.NewInt(id)
		}
		state.Proposals = append(state.Proposals, p.view(state.Eligible, proposal))
	}
	state.LoadedAt = p.now()

	p.mu.Lock()
	p.state = state
	p.mu.Unlock()

	p.logger.Infof("治理面板已加载: 账户 %s, 资格 %v, %d 个提案", account.Hex(), state.Eligible, len(state.Proposals))
	return p.State(), nil
}

// State 当前面板状态的副本，未加载时返回nil；过期和可用操作按当前时间重新计算
func (p *Panel) State() *State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state == nil {
		return nil
	}
	s := *p.state
	s.Proposals = make([]ProposalView, len(p.state.Proposals))
	for i, v := range p.state.Proposals {
		s.Proposals[i] = p.view(s.Eligible, v.Proposal)
	}
	return &s
}

// Reset 清空面板状态
func (p *Panel) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = nil
}

// find 查找提案并校验操作是否允许
func (p *Panel) find(id int64, action models.GovernanceAction) (*State, ProposalView, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state == nil {
		return nil, ProposalView{}, deserrors.ErrActionNotAllowed.WithReason("Governance panel is not loaded")
	}
	view, ok := lo.Find(p.state.Proposals, func(v ProposalView) bool {
		return v.ID != nil && v.ID.Int64() == id
	})
	if !ok {
		return nil, ProposalView{}, deserrors.ErrActionNotAllowed.WithReason(fmt.Sprintf("Proposal #%d not found", id))
	}

	canVote, canExecute := Allowed(p.state.Eligible, view.Proposal, p.now())
	switch {
	case action == models.GovernanceVote && !canVote:
		return nil, ProposalView{}, deserrors.ErrActionNotAllowed
	case action == models.GovernanceExecute && !canExecute:
		return nil, ProposalView{}, deserrors.ErrActionNotAllowed
	}
	return p.state, view, nil
}

// Vote 对提案投票，成功后重新读取该提案
func (p *Panel) Vote(ctx context.Context, id int64, support bool) (*ProposalView, error) {
	return p.act(ctx, id, models.GovernanceVote, &support, func() (*types.Receipt, error) {
		return p.chain.VoteOnProposal(ctx, big.NewInt(id), support)
	})
}

// Execute 执行提案，成功后重新读取该提案
func (p *Panel) Execute(ctx context.Context, id int64) (*ProposalView, error) {
	return p.act(ctx, id, models.GovernanceExecute, nil, func() (*types.Receipt, error) {
		return p.chain.ExecuteProposal(ctx, big.NewInt(id))
	})
}

func (p *Panel) act(ctx context.Context, id int64, action models.GovernanceAction, support *bool, send func() (*types.Receipt, error)) (*ProposalView, error) {
	state, view, err := p.find(id, action)
	if err != nil {
		return nil, p.handler.HandleError(ctx, err)
	}

	account := ""
	if state.Account != nil {
		account = state.Account.Hex()
	}
	audit := logging.NewGovernanceLogger(p.audit, account, id)
	audit.Info("提交治理操作", "action", string(action))

	receipt, err := send()
	if err != nil {
		audit.Error("治理操作失败", "action", string(action), "error", err.Error())
		return nil, p.handler.HandleError(ctx, err)
	}

	txHash := receipt.TxHash.Hex()
	audit.Info("治理操作已确认", "action", string(action), "tx_hash", txHash)

	if err := p.publisher.PublishGovernance(&models.GovernanceEvent{
		ID:          uuid.New(),
		Account:     account,
		ProposalID:  id,
		Action:      action,
		Support:     support,
		TxHash:      txHash,
		ConfirmedAt: time.Now().UTC(),
	}); err != nil {
		p.logger.Warnf("发布治理事件失败: %v", err)
	}

	return p.refresh(ctx, id, view), nil
}

// refresh 重新读取提案并只替换面板中的这一项，读取失败时保留旧数据
func (p *Panel) refresh(ctx context.Context, id int64, old ProposalView) *ProposalView {
	proposal, err := p.chain.GetProposalDetails(ctx, big.NewInt(id))
	if err != nil || proposal == nil {
		p.logger.Warnf("重新读取提案 %d 失败: %v", id, err)
		return &old
	}
	if proposal.ID == nil || proposal.ID.Sign() == 0 {
		proposal.ID = big.NewInt(id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		v := p.view(false, proposal)
		return &v
	}
	updated := p.view(p.state.Eligible, proposal)
	for i := range p.state.Proposals {
		if p.state.Proposals[i].ID != nil && p.state.Proposals[i].ID.Int64() == id {
			p.state.Proposals[i] = updated
		}
	}
	return &updated
}
