package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReputationTier 信誉等级
type ReputationTier string

const (
	TierPoor      ReputationTier = "poor"
	TierFair      ReputationTier = "fair"
	TierGood      ReputationTier = "good"
	TierExcellent ReputationTier = "excellent"
)

// 信誉等级阈值
const (
	FairReputationThreshold      = 50
	GoodReputationThreshold      = 70
	ExcellentReputationThreshold = 85
)

// TierOf 根据信誉分计算等级
func TierOf(score int) ReputationTier {
	switch {
	case score >= ExcellentReputationThreshold:
		return TierExcellent
	case score >= GoodReputationThreshold:
		return TierGood
	case score >= FairReputationThreshold:
		return TierFair
	default:
		return TierPoor
	}
}

// NodeListing 节点目录中的WiFi节点
type NodeListing struct {
	ID               uuid.UUID       `json:"id"`
	NodeID           int64           `json:"node_id"`
	OwnerAddress     string          `json:"owner_address"`
	Location         string          `json:"location"`
	PricePerHourETH  decimal.Decimal `json:"price_per_hour_eth"`
	PricePerHourUSD  decimal.Decimal `json:"price_per_hour_usd"`
	ReputationScore  int             `json:"reputation_score"`
	TotalConnections int64           `json:"total_connections"`
	IsActive         bool            `json:"is_active"`
	Upvotes          int64           `json:"upvotes"`
	Downvotes        int64           `json:"downvotes"`
	RegisteredAt     time.Time       `json:"registered_at"`
	LastSyncedAt     time.Time       `json:"last_synced_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Tier 节点信誉等级
func (n *NodeListing) Tier() ReputationTier {
	return TierOf(n.ReputationScore)
}

// SyncStatus 链上节点同步状态
type SyncStatus struct {
	ID              uuid.UUID `json:"id"`
	LastSyncedBlock int64     `json:"last_synced_block"`
	LastSyncedAt    time.Time `json:"last_synced_at"`
	NodesSynced     int64     `json:"nodes_synced"`
	Status          string    `json:"status"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
}
