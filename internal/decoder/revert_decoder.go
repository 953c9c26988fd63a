package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"deslink/internal/config"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

var (
	errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector       = []byte{0x4e, 0x48, 0x7b, 0x71}
)

// 常见的自定义错误签名，4byte不可用时兜底
var commonErrorSignatures = []string{
	"ERC20InsufficientBalance(address,uint256,uint256)",
	"ERC20InsufficientAllowance(address,uint256,uint256)",
	"ERC20InvalidSpender(address)",
	"ERC20InvalidReceiver(address)",
	"OwnableUnauthorizedAccount(address)",
	"ReentrancyGuardReentrantCall()",
	"EnforcedPause()",
}

var commonErrors = buildSelectorTable(commonErrorSignatures)

func buildSelectorTable(signatures []string) map[string]string {
	table := make(map[string]string, len(signatures))
	for _, sig := range signatures {
		selector := hexutil.Encode(crypto.Keccak256([]byte(sig))[:4])
		table[selector] = sig
	}
	return table
}

// FourByteResponse 4byte.directory API响应
type FourByteResponse struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  []signature `json:"results"`
}

type signature struct {
	ID            int    `json:"id"`
	TextSignature string `json:"text_signature"`
	HexSignature  string `json:"hex_signature"`
}

// RevertDecoder 把合约回滚数据还原成可读原因
type RevertDecoder struct {
	logger      *logrus.Logger
	config      *config.DecoderConfig
	client      *http.Client
	contractABI *abi.ABI
	mu          sync.RWMutex
	cache       map[string]string // 选择器 -> 错误签名
}

// NewRevertDecoder 创建回滚解码器，contractABI 中声明的自定义错误优先解码
func NewRevertDecoder(logger *logrus.Logger, decoderConfig *config.DecoderConfig, contractABI *abi.ABI) *RevertDecoder {
	if decoderConfig == nil {
		decoderConfig = config.GetDefaultConfig().Decoder
	}
	if decoderConfig.CacheSize <= 0 {
		decoderConfig.CacheSize = 1000
	}

	return &RevertDecoder{
		logger:      logger,
		config:      decoderConfig,
		client:      &http.Client{Timeout: config.Duration(decoderConfig.APITimeout, 5*time.Second)},
		contractABI: contractABI,
		cache:       make(map[string]string),
	}
}

// ExtractRevertData 从RPC错误中取出回滚数据
func ExtractRevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}

	switch data := dataErr.ErrorData().(type) {
	case string:
		raw, decodeErr := hexutil.Decode(data)
		if decodeErr != nil || len(raw) == 0 {
			return nil, false
		}
		return raw, true
	case []byte:
		return data, len(data) > 0
	default:
		return nil, false
	}
}

// DecodeError 解析合约调用错误，无法解析时返回节点原始信息
func (d *RevertDecoder) DecodeError(ctx context.Context, err error) string {
	if err == nil {
		return ""
	}

	if data, ok := ExtractRevertData(err); ok {
		if reason := d.Decode(ctx, data); reason != "" {
			return reason
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted: "):])
	}
	return msg
}

// Decode 解码回滚数据
func (d *RevertDecoder) Decode(ctx context.Context, data []byte) string {
	if len(data) < 4 {
		return ""
	}

	selector := data[:4]
	if bytes.Equal(selector, errorStringSelector) || bytes.Equal(selector, panicSelector) {
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			d.logger.Debugf("解析回滚原因失败: %v", err)
			return ""
		}
		return reason
	}

	if reason, ok := d.decodeCustomError(data); ok {
		return reason
	}

	if name := d.lookupSelector(ctx, hexutil.Encode(selector)); name != "" {
		return name
	}
	return ""
}

// decodeCustomError 使用合约ABI解码自定义错误
func (d *RevertDecoder) decodeCustomError(data []byte) (string, bool) {
	if d.contractABI == nil {
		return "", false
	}

	for name, abiErr := range d.contractABI.Errors {
		if !bytes.Equal(abiErr.ID.Bytes()[:4], data[:4]) {
			continue
		}
		values, err := abiErr.Unpack(data)
		if err != nil {
			return name, true
		}
		if args, ok := values.([]interface{}); ok && len(args) > 0 {
			parts := make([]string, len(args))
			for i, arg := range args {
				parts[i] = fmt.Sprint(arg)
			}
			return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", ")), true
		}
		return name, true
	}
	return "", false
}

// lookupSelector 依次查询缓存、4byte.directory 和内置表
func (d *RevertDecoder) lookupSelector(ctx context.Context, selector string) string {
	if d.config.EnableCache {
		d.mu.RLock()
		name, exists := d.cache[selector]
		d.mu.RUnlock()
		if exists {
			return name
		}
	}

	if d.config.EnableAPI {
		if name := d.fetchFromFourByteDirectory(ctx, selector); name != "" {
			d.store(selector, name)
			return name
		}
	}

	if name, exists := commonErrors[selector]; exists {
		d.store(selector, name)
		return name
	}

	return ""
}

func (d *RevertDecoder) store(selector, name string) {
	if !d.config.EnableCache {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.cache) >= d.config.CacheSize {
		d.evictCacheLocked()
	}
	d.cache[selector] = name
}

// fetchFromFourByteDirectory 从4byte.directory查询签名
func (d *RevertDecoder) fetchFromFourByteDirectory(ctx context.Context, selector string) string {
	endpoint := fmt.Sprintf("%s?hex_signature=%s", d.config.FourByteAPIURL, url.QueryEscape(selector))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		d.logger.Debugf("构造4byte.directory请求失败: %v", err)
		return ""
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debugf("4byte.directory API调用失败: %v", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Debugf("4byte.directory API返回错误状态: %d", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Debugf("读取4byte.directory响应失败: %v", err)
		return ""
	}

	var response FourByteResponse
	if err := json.Unmarshal(body, &response); err != nil {
		d.logger.Debugf("解析4byte.directory响应失败: %v", err)
		return ""
	}

	// 同一选择器可能有多个签名，取最早登记的一个
	if len(response.Results) > 0 {
		best := response.Results[0]
		for _, r := range response.Results[1:] {
			if r.ID < best.ID {
				best = r
			}
		}
		return best.TextSignature
	}

	return ""
}

// evictCacheLocked 清理一半缓存
func (d *RevertDecoder) evictCacheLocked() {
	target := d.config.CacheSize / 2
	for key := range d.cache {
		if len(d.cache) <= target {
			break
		}
		delete(d.cache, key)
	}
	d.logger.Debugf("缓存清理完成，剩余 %d 项", len(d.cache))
}

// ClearCache 清理缓存
func (d *RevertDecoder) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]string)
}

// GetCacheSize 获取缓存大小
func (d *RevertDecoder) GetCacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}
