package payment

import (
	"context"
	"math/big"
	"testing"
	"time"

	"deslink/internal/directory"
	"deslink/internal/journal"
	"deslink/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(nodeID int64, location string) models.NodeListing {
	return models.NodeListing{
		ID:              uuid.New(),
		NodeID:          nodeID,
		Location:        location,
		PricePerHourETH: decimal.RequireFromString("0.001"),
		PricePerHourUSD: decimal.RequireFromString("2"),
		ReputationScore: 80,
		IsActive:        true,
		RegisteredAt:    time.Now(),
	}
}

func TestRefresher_RefreshesHistoryAndListingsAfterPayment(t *testing.T) {
	payer := &fakePayer{connected: true}
	w, j, _, _ := newWorkflow(t, payer)

	listings := directory.NewClient(directory.NewMemoryStore(node(1, "Oasis Camp"), node(2, "Dune Ridge")), time.Second, testLogger())
	refresher := NewRefresher(payer, listings, j, 6, DefaultHistoryLimit, testLogger())
	assert.Nil(t, refresher.Latest())

	_, err := w.Submit(context.Background(), DefaultForm(), nil, refresher.Refresh)
	require.NoError(t, err)

	latest := refresher.Latest()
	require.NotNil(t, latest)
	require.Len(t, latest.Dashboard.History, 1)
	assert.Equal(t, "Node-1", latest.Dashboard.History[0].Node)
	assert.Equal(t, "0.001 ETH", latest.Dashboard.History[0].Amount)
	assert.Equal(t, int64(12), latest.Dashboard.Stats.TotalNodes.Int64())

	require.NotNil(t, latest.Nodes)
	assert.Equal(t, directory.OutcomeOK, latest.Nodes.Outcome)
	assert.Len(t, latest.Nodes.Nodes, 2)
	assert.False(t, latest.RefreshedAt.IsZero())
}

func TestRefresher_LabelsStablecoinPaymentsFromJournal(t *testing.T) {
	payer := &fakePayer{connected: true}
	w, j, _, _ := newWorkflow(t, payer)
	refresher := NewRefresher(payer, nil, j, 6, DefaultHistoryLimit, testLogger())

	_, err := w.Submit(context.Background(),
		Form{NodeID: "4", Duration: "21600", Amount: "2.5", Method: models.PaymentMethodUSDT}, nil, refresher.Refresh)
	require.NoError(t, err)

	latest := refresher.Latest()
	require.NotNil(t, latest)
	assert.Nil(t, latest.Nodes)
	require.Len(t, latest.Dashboard.History, 1)
	assert.Equal(t, "2.5 USDT", latest.Dashboard.History[0].Amount)
}

func TestJournalLabeler(t *testing.T) {
	entries := []journal.Entry{
		{NodeID: 3, Duration: 3600, Amount: "1", Method: models.PaymentMethodUSDC, Status: journal.StatusConfirmed},
		{NodeID: 3, Duration: 3600, Amount: "1", Method: models.PaymentMethodUSDC, Status: journal.StatusFailed},
		{NodeID: 5, Duration: 3600, Amount: "0.001", Method: models.PaymentMethodETH, Status: journal.StatusConfirmed},
	}
	label := JournalLabeler(entries, 6)

	pay := func(nodeID int64, amount int64) models.Payment {
		return models.Payment{NodeID: big.NewInt(nodeID), Duration: big.NewInt(3600), Amount: big.NewInt(amount)}
	}

	assert.Equal(t, Denomination{Symbol: "USDC", Decimals: 6}, label(pay(3, 1_000_000)))
	assert.Equal(t, ETH, label(pay(3, 1_000_000)), "每条日志只匹配一次，失败的支付不参与匹配")
	assert.Equal(t, ETH, label(pay(5, 1e15)))
	assert.Equal(t, ETH, label(models.Payment{}))

	assert.Equal(t, "1 USDC", Denomination{Symbol: "USDC", Decimals: 6}.Format(big.NewInt(1_000_000)))
	assert.Equal(t, "0.001 ETH", ETH.Format(big.NewInt(1e15)))
}

func TestHistoryLabeler_NilJournal(t *testing.T) {
	label, err := HistoryLabeler(nil, 6)
	require.NoError(t, err)
	assert.Nil(t, label)

	history := BuildLabeledHistory([]models.Payment{{NodeID: big.NewInt(1), Amount: big.NewInt(1e15), Timestamp: big.NewInt(1)}}, 10, label)
	require.Len(t, history, 1)
	assert.Equal(t, "0.001 ETH", history[0].Amount)
}
