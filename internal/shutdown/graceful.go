package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopHTTP      = 10 // 停止接受API请求
	OrderStopWatchers  = 20 // 停止防抖搜索和目录监听
	OrderCloseSession  = 30 // 取消钱包事件订阅
	OrderFlushEvents   = 40 // 关闭事件发布器
	OrderCloseJournal  = 50 // 关闭支付日志
	OrderCloseStores   = 60 // 关闭节点目录和RPC连接
	DefaultStepTimeout = 30 * time.Second
)

// Step 一个停机步骤
type Step struct {
	Name  string
	Order int
	Func  func(ctx context.Context) error
}

// Coordinator 按顺序执行停机步骤，只执行一次
type Coordinator struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []Step
	done  bool
	err   error
}

// NewCoordinator 创建停机协调器，timeout 为全部步骤的总时限
func NewCoordinator(timeout time.Duration, logger *logrus.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Coordinator{logger: logger, timeout: timeout}
}

// Register 注册停机步骤
func (c *Coordinator) Register(name string, order int, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, Step{Name: name, Order: order, Func: fn})
	c.logger.Debugf("注册停机步骤: %s (order: %d)", name, order)
}

// RegisterCloser 注册只需要 Close 的资源
func (c *Coordinator) RegisterCloser(name string, order int, closer func() error) {
	c.Register(name, order, func(context.Context) error { return closer() })
}

// Steps 已注册步骤名称，按执行顺序
func (c *Coordinator) Steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	sorted := c.sorted()
	names := make([]string, len(sorted))
	for i, s := range sorted {
		names[i] = s.Name
	}
	return names
}

func (c *Coordinator) sorted() []Step {
	steps := append([]Step(nil), c.steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// NotifyContext 返回在收到 SIGINT/SIGTERM/SIGQUIT 时取消的上下文
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

// Wait 阻塞到 ctx 结束后执行停机
func (c *Coordinator) Wait(ctx context.Context) error {
	<-ctx.Done()
	c.logger.Info("收到停机信号，开始停机")
	return c.Shutdown()
}

// Shutdown 依次执行所有步骤，单步失败不影响后续步骤；重复调用返回第一次的结果
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return c.err
	}
	c.done = true
	steps := c.sorted()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var errs []error
	for _, step := range steps {
		if ctx.Err() != nil {
			c.logger.Warnf("停机超时，跳过步骤: %s", step.Name)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := step.Func(ctx); err != nil {
			c.logger.Errorf("停机步骤 '%s' 失败 (耗时: %v): %v", step.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		c.logger.Infof("停机步骤 '%s' 完成 (耗时: %v)", step.Name, time.Since(start))
	}

	err := errors.Join(errs...)
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		c.logger.Info("停机完成")
	}
	return err
}
