package directory

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounce 搜索输入的防抖间隔
const DefaultDebounce = 300 * time.Millisecond

// Debouncer 输入防抖：窗口内的新输入替换待发查询，新发出的查询取消仍在执行的旧查询
type Debouncer struct {
	delay time.Duration
	fn    func(ctx context.Context, text string)

	mu       sync.Mutex
	timer    *time.Timer
	inflight context.CancelFunc
	seq      uint64
	pending  string
	stopped  bool
	wg       sync.WaitGroup
}

// NewDebouncer 创建防抖器
func NewDebouncer(delay time.Duration, fn func(ctx context.Context, text string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Input 记录一次输入
func (d *Debouncer) Input(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	d.seq++
	seq := d.seq
	d.pending = text
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.fire(seq, text)
	})
}

// Flush 立即发出待发的查询，并等待所有回调结束
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pending := d.timer != nil && d.timer.Stop()
	seq, text := d.seq, d.pending
	if pending {
		d.timer = nil
	}
	d.mu.Unlock()

	if pending {
		d.fire(seq, text)
		d.wg.Done()
	}
	d.wg.Wait()
}

func (d *Debouncer) fire(seq uint64, text string) {
	d.mu.Lock()
	if d.stopped || seq != d.seq {
		d.mu.Unlock()
		return
	}
	if d.inflight != nil {
		d.inflight()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.inflight = cancel
	d.mu.Unlock()

	defer cancel()
	d.fn(ctx, text)
}

// Stop 取消待发和进行中的查询，并等待回调结束
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}
	d.timer = nil
	if d.inflight != nil {
		d.inflight()
	}
	d.mu.Unlock()

	d.wg.Wait()
}
