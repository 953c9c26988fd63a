package contract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DesertWifiNodesABI 节点市场合约接口
const DesertWifiNodesABI = `[
	{"type":"function","name":"makePayment","stateMutability":"payable",
	 "inputs":[{"name":"nodeId","type":"uint256"},{"name":"duration","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"makePaymentStablecoin","stateMutability":"nonpayable",
	 "inputs":[{"name":"nodeId","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"tokenType","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"getUserPayments","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],
	 "outputs":[{"name":"","type":"tuple[]","components":[
		{"name":"user","type":"address"},
		{"name":"nodeId","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"duration","type":"uint256"},
		{"name":"timestamp","type":"uint256"}]}]},
	{"type":"function","name":"getNetworkStats","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"totalNodes","type":"uint256"},{"name":"activeNodes","type":"uint256"},{"name":"totalVolume","type":"uint256"},{"name":"totalUsers","type":"uint256"}]},
	{"type":"function","name":"registerNode","stateMutability":"nonpayable",
	 "inputs":[{"name":"location","type":"string"},{"name":"pricePerHourETH","type":"uint256"},{"name":"pricePerHourUSD","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"canParticipateInGovernance","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getUserReputation","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"voteOnProposal","stateMutability":"nonpayable",
	 "inputs":[{"name":"proposalId","type":"uint256"},{"name":"support","type":"bool"}],"outputs":[]},
	{"type":"function","name":"executeProposal","stateMutability":"nonpayable",
	 "inputs":[{"name":"proposalId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getProposalDetails","stateMutability":"view",
	 "inputs":[{"name":"proposalId","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"id","type":"uint256"},
		{"name":"proposer","type":"address"},
		{"name":"description","type":"string"},
		{"name":"targetNodeId","type":"uint256"},
		{"name":"proposalType","type":"uint8"},
		{"name":"newValue","type":"uint256"},
		{"name":"votesFor","type":"uint256"},
		{"name":"votesAgainst","type":"uint256"},
		{"name":"createdAt","type":"uint256"},
		{"name":"expiresAt","type":"uint256"},
		{"name":"executed","type":"bool"}]}]},
	{"type":"error","name":"NodeNotActive","inputs":[{"name":"nodeId","type":"uint256"}]},
	{"type":"error","name":"InsufficientPayment","inputs":[{"name":"required","type":"uint256"},{"name":"provided","type":"uint256"}]},
	{"type":"error","name":"NotEligibleForGovernance","inputs":[{"name":"user","type":"address"}]},
	{"type":"error","name":"ProposalExpired","inputs":[{"name":"proposalId","type":"uint256"}]},
	{"type":"error","name":"AlreadyVoted","inputs":[{"name":"proposalId","type":"uint256"}]}
]`

// ERC20ABI 稳定币授权接口
const ERC20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	parseOnce   sync.Once
	marketABI   abi.ABI
	erc20ABI    abi.ABI
	errParseABI error
)

// ParsedABIs 解析并缓存合约ABI
func ParsedABIs() (abi.ABI, abi.ABI, error) {
	parseOnce.Do(func() {
		var err error
		marketABI, err = abi.JSON(strings.NewReader(DesertWifiNodesABI))
		if err != nil {
			errParseABI = fmt.Errorf("解析节点市场合约ABI失败: %w", err)
			return
		}
		erc20ABI, err = abi.JSON(strings.NewReader(ERC20ABI))
		if err != nil {
			errParseABI = fmt.Errorf("解析ERC20 ABI失败: %w", err)
		}
	})
	return marketABI, erc20ABI, errParseABI
}
