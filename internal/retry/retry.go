package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy 退避策略
type Policy struct {
	Attempts   int           `json:"attempts"`   // 总尝试次数，包含第一次
	Base       time.Duration `json:"base"`       // 第一次重试前的等待
	Cap        time.Duration `json:"cap"`        // 等待上限
	Multiplier float64       `json:"multiplier"` // 每次等待的放大倍数
	Jitter     float64       `json:"jitter"`     // 0..1，等待时间上下浮动比例
}

// NetworkPolicy 链上只读调用和节点切换
var NetworkPolicy = Policy{
	Attempts:   3,
	Base:       500 * time.Millisecond,
	Cap:        10 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// QueryPolicy 交互式目录查询，只做一次快速重试
var QueryPolicy = Policy{
	Attempts:   2,
	Base:       100 * time.Millisecond,
	Cap:        time.Second,
	Multiplier: 2,
	Jitter:     0.1,
}

// backoff 第 n 次失败后的等待时间，不含抖动
func (p Policy) backoff(n int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Classifier 错误自带重试判断时实现此接口
type Classifier interface {
	IsRetryable() bool
}

type markedError struct {
	err       error
	retryable bool
}

func (m *markedError) Error() string     { return m.err.Error() }
func (m *markedError) Unwrap() error     { return m.err }
func (m *markedError) IsRetryable() bool { return m.retryable }

// Mark 显式标记错误是否可重试
func Mark(err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: retryable}
}

// 钱包拒绝优先于其它匹配，"User rejected ... timeout" 也不能重试
var (
	rejectionHints = []string{"user rejected", "user denied"}

	transportHints = []string{
		"connection refused", "connection reset", "broken pipe",
		"no such host", "network is unreachable", "unexpected eof",
		"timeout", "temporary failure",
	}

	// 节点落后或限流，换个节点或稍后即可成功
	nodeHints = []string{
		"too many requests", "rate limit", "service unavailable",
		"bad gateway", "gateway timeout",
		"header not found", "missing trie node", "node not ready",
	}
)

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// Retryable 判断失败是否值得重试。回滚、余额不足和签名被拒都不重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var c Classifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, rejectionHints) {
		return false
	}
	return containsAny(msg, transportHints) || containsAny(msg, nodeHints)
}

// Retrier 按策略重试
type Retrier struct {
	policy Policy
	logger *logrus.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetrier 创建重试器，Attempts 小于1时按1处理
func NewRetrier(policy Policy, logger *logrus.Logger) *Retrier {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Retrier{
		policy: policy,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy 当前策略
func (r *Retrier) Policy() Policy {
	return r.policy
}

func (r *Retrier) wait(n int) time.Duration {
	d := r.policy.backoff(n)
	if r.policy.Jitter <= 0 || d <= 0 {
		return d
	}
	r.mu.Lock()
	f := 1 + r.policy.Jitter*(2*r.rnd.Float64()-1)
	r.mu.Unlock()
	return time.Duration(float64(d) * f)
}

// Execute 执行 fn，直到成功、遇到不可重试的错误或次数用尽
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		switch {
		case err == nil:
			if n > 1 {
				r.logger.Debugf("%s: 第 %d 次尝试成功", operation, n)
			}
			return nil
		case !Retryable(err):
			return err
		case n >= r.policy.Attempts:
			r.logger.Warnf("%s: %d 次尝试均失败: %v", operation, n, err)
			return fmt.Errorf("%s: 重试 %d 次后失败: %w", operation, n, err)
		}

		d := r.wait(n)
		r.logger.Debugf("%s: 第 %d 次失败 (%v)，%v 后重试", operation, n, err, d)

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Do 带返回值的 Execute，失败时返回零值
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, operation, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
