package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deslink/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/journal.db"

	// 存储桶名称
	PaymentsBucket = "payments"
	IndexBucket    = "payment_index"
	StatsBucket    = "stats"
)

// ErrEntryNotFound 日志中没有该支付
var ErrEntryNotFound = errors.New("支付记录不存在")

// Status 支付状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproving Status = "approving"
	StatusPaying    Status = "paying"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// IsFinal 是否为最终状态
func (s Status) IsFinal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Entry 一次支付提交的本地记录
type Entry struct {
	ID        uuid.UUID            `json:"id"`
	Seq       uint64               `json:"seq"`
	Account   string               `json:"account"`
	NodeID    int64                `json:"node_id"`
	Duration  int64                `json:"duration"`
	Amount    string               `json:"amount"`
	Method    models.PaymentMethod `json:"method"`
	Status    Status               `json:"status"`
	ApproveTx string               `json:"approve_tx,omitempty"`
	PaymentTx string               `json:"payment_tx,omitempty"`
	Error     string               `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Journal 基于BoltDB的支付日志
type Journal struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.Mutex
}

// Open 打开支付日志
func Open(dbPath string, logger *logrus.Logger) (*Journal, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开支付日志失败: %w", err)
	}

	j := &Journal{db: db, logger: logger, dbPath: dbPath}
	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化支付日志失败: %w", err)
	}

	logger.Infof("支付日志已打开: %s", dbPath)
	return j, nil
}

func (j *Journal) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{PaymentsBucket, IndexBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// incr 计数器加一
func incr(bucket *bolt.Bucket, name string) error {
	var n uint64
	if data := bucket.Get([]byte(name)); len(data) == 8 {
		n = binary.BigEndian.Uint64(data)
	}
	return bucket.Put([]byte(name), seqKey(n+1))
}

// Begin 记录一次新的支付提交，返回带ID的记录
func (j *Journal) Begin(e Entry) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	err := j.db.Update(func(tx *bolt.Tx) error {
		payments := tx.Bucket([]byte(PaymentsBucket))
		seq, err := payments.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq

		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		if err := payments.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("保存支付记录失败: %w", err)
		}
		if err := tx.Bucket([]byte(IndexBucket)).Put(e.ID[:], seqKey(seq)); err != nil {
			return fmt.Errorf("保存支付索引失败: %w", err)
		}
		return incr(tx.Bucket([]byte(StatsBucket)), "submitted")
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Update 修改一条记录，进入最终状态时更新统计
func (j *Journal) Update(id uuid.UUID, fn func(e *Entry)) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var updated Entry
	err := j.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(IndexBucket)).Get(id[:])
		if key == nil {
			return ErrEntryNotFound
		}
		payments := tx.Bucket([]byte(PaymentsBucket))
		data := payments.Get(key)
		if data == nil {
			return ErrEntryNotFound
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return fmt.Errorf("解析支付记录失败: %w", err)
		}

		wasFinal := updated.Status.IsFinal()
		fn(&updated)
		updated.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		if err := payments.Put(key, out); err != nil {
			return fmt.Errorf("更新支付记录失败: %w", err)
		}
		if !wasFinal && updated.Status.IsFinal() {
			return incr(tx.Bucket([]byte(StatsBucket)), string(updated.Status))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetStatus 更新状态
func (j *Journal) SetStatus(id uuid.UUID, status Status) error {
	_, err := j.Update(id, func(e *Entry) {
		e.Status = status
	})
	return err
}

// Get 按ID查询
func (j *Journal) Get(id uuid.UUID) (*Entry, error) {
	var e Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(IndexBucket)).Get(id[:])
		if key == nil {
			return ErrEntryNotFound
		}
		data := tx.Bucket([]byte(PaymentsBucket)).Get(key)
		if data == nil {
			return ErrEntryNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List 最近的记录，新的在前，limit<=0表示全部
func (j *Journal) List(limit int) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(PaymentsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				j.logger.Warnf("跳过无法解析的支付记录 %x: %v", k, err)
				continue
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// Pending 未进入最终状态的记录，通常是进程中断时遗留的
func (j *Journal) Pending() ([]Entry, error) {
	all, err := j.List(0)
	if err != nil {
		return nil, err
	}
	pending := make([]Entry, 0)
	for _, e := range all {
		if !e.Status.IsFinal() {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// GetStats 统计信息
func (j *Journal) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"submitted": uint64(0),
		"confirmed": uint64(0),
		"failed":    uint64(0),
		"db_path":   j.dbPath,
	}
	if err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(StatsBucket)).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				stats[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	}); err != nil {
		j.logger.Warnf("读取支付日志统计失败: %v", err)
	}
	return stats
}

// Reset 清空日志
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{PaymentsBucket, IndexBucket, StatsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDBPath 数据库路径
func (j *Journal) GetDBPath() string {
	return j.dbPath
}

// Close 关闭日志
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info("关闭支付日志")
		return j.db.Close()
	}
	return nil
}
