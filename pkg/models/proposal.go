package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProposalType 治理提案类型
type ProposalType uint8

const (
	ProposalUpdateTreasuryFee ProposalType = iota
	ProposalRemoveNode
	ProposalUpdateMinReputation
	ProposalTreasuryWithdrawal
)

var proposalTypeNames = map[ProposalType]string{
	ProposalUpdateTreasuryFee:   "Update Treasury Fee",
	ProposalRemoveNode:          "Remove Node",
	ProposalUpdateMinReputation: "Update Min Reputation",
	ProposalTreasuryWithdrawal:  "Treasury Withdrawal",
}

// String 返回提案类型名称
func (pt ProposalType) String() string {
	if name, exists := proposalTypeNames[pt]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(pt))
}

// Proposal 治理提案
type Proposal struct {
	ID           *big.Int       `json:"id"`
	Proposer     common.Address `json:"proposer"`
	Description  string         `json:"description"`
	TargetNodeID *big.Int       `json:"target_node_id"`
	ProposalType ProposalType   `json:"proposal_type"`
	NewValue     *big.Int       `json:"new_value"`
	VotesFor     *big.Int       `json:"votes_for"`
	VotesAgainst *big.Int       `json:"votes_against"`
	CreatedAt    *big.Int       `json:"created_at"`
	ExpiresAt    *big.Int       `json:"expires_at"`
	Executed     bool           `json:"executed"`
}

// IsAllocated 提案槽位是否已被占用（未分配的槽位提案人为零地址）
func (p *Proposal) IsAllocated() bool {
	return p.Proposer != (common.Address{})
}

// IsExpired 在给定时间点是否已过期
func (p *Proposal) IsExpired(now time.Time) bool {
	if p.ExpiresAt == nil {
		return false
	}
	return now.Unix() > p.ExpiresAt.Int64()
}

// IsTerminal 已执行或已过期
func (p *Proposal) IsTerminal(now time.Time) bool {
	return p.Executed || p.IsExpired(now)
}

// IsWinning 赞成票是否多于反对票
func (p *Proposal) IsWinning() bool {
	if p.VotesFor == nil || p.VotesAgainst == nil {
		return false
	}
	return p.VotesFor.Cmp(p.VotesAgainst) > 0
}
