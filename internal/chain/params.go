package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ScrollSepoliaChainID Scroll Sepolia测试网链ID
const ScrollSepoliaChainID = 534351

// NativeCurrency 原生币信息
type NativeCurrency struct {
	Name     string `mapstructure:"name" json:"name"`
	Symbol   string `mapstructure:"symbol" json:"symbol"`
	Decimals int    `mapstructure:"decimals" json:"decimals"`
}

// Params 目标链参数，添加网络时原样交给钱包
type Params struct {
	ChainID        int64          `mapstructure:"chain_id" json:"chain_id"`
	Name           string         `mapstructure:"name" json:"chain_name"`
	RPCURLs        []string       `mapstructure:"rpc_urls" json:"rpc_urls"`
	ExplorerURLs   []string       `mapstructure:"explorer_urls" json:"block_explorer_urls"`
	NativeCurrency NativeCurrency `mapstructure:"native_currency" json:"native_currency"`
}

// ScrollSepolia 默认目标链
func ScrollSepolia() *Params {
	return &Params{
		ChainID: ScrollSepoliaChainID,
		Name:    "Scroll Sepolia Testnet",
		RPCURLs: []string{"https://sepolia-rpc.scroll.io"},
		ExplorerURLs: []string{
			"https://sepolia.scrollscan.com/",
		},
		NativeCurrency: NativeCurrency{
			Name:     "ETH",
			Symbol:   "ETH",
			Decimals: 18,
		},
	}
}

// BigChainID 链ID
func (p *Params) BigChainID() *big.Int {
	return big.NewInt(p.ChainID)
}

// HexChainID 十六进制链ID，例如 0x8274f
func (p *Params) HexChainID() string {
	return hexutil.EncodeBig(p.BigChainID())
}

// AddChainRequest wallet_addEthereumChain 请求参数
type AddChainRequest struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls"`
}

// AddChainRequest 构造添加网络的请求
func (p *Params) AddChainRequest() AddChainRequest {
	return AddChainRequest{
		ChainID:           p.HexChainID(),
		ChainName:         p.Name,
		NativeCurrency:    p.NativeCurrency,
		RPCURLs:           p.RPCURLs,
		BlockExplorerURLs: p.ExplorerURLs,
	}
}

func (p *Params) explorerBase() string {
	base := "https://sepolia.scrollscan.com/"
	if len(p.ExplorerURLs) > 0 && p.ExplorerURLs[0] != "" {
		base = p.ExplorerURLs[0]
	}
	return strings.TrimRight(base, "/")
}

// ExplorerAddressURL 区块浏览器地址页面
func (p *Params) ExplorerAddressURL(address common.Address) string {
	return fmt.Sprintf("%s/address/%s", p.explorerBase(), address.Hex())
}

// ExplorerTxURL 区块浏览器交易页面
func (p *Params) ExplorerTxURL(txHash string) string {
	return fmt.Sprintf("%s/tx/%s", p.explorerBase(), txHash)
}

// ShortAddress 缩写地址，保留前6位和后4位
func ShortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
