package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	deserrors "deslink/internal/errors"
	"deslink/pkg/models"

	"github.com/sirupsen/logrus"
)

// FilePublisher 按事件类别写入JSON Lines文件
type FilePublisher struct {
	outputDir string
	logger    *logrus.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFilePublisher 创建文件事件输出器
func NewFilePublisher(outputDir string, logger *logrus.Logger) (*FilePublisher, error) {
	if outputDir == "" {
		outputDir = "./outputs"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	p := &FilePublisher{
		outputDir: outputDir,
		logger:    logger,
		files:     make(map[string]*os.File),
	}

	for _, kind := range []string{KindPayments, KindRegistrations, KindGovernance, KindErrors} {
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jsonl", kind, timestamp))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("创建事件文件 %s 失败: %w", path, err)
		}
		p.files[kind] = f
	}

	logger.Infof("事件输出目录: %s", outputDir)
	return p, nil
}

func (p *FilePublisher) write(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return deserrors.ErrSerializationFailed.WithCause(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.files[kind]
	if !ok {
		return deserrors.ErrFileIOFailed.WithMessage("事件文件已关闭")
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return deserrors.ErrFileIOFailed.WithCause(err)
	}
	return nil
}

// PublishPayment 写入支付事件
func (p *FilePublisher) PublishPayment(e *models.PaymentEvent) error {
	if e == nil {
		return nil
	}
	return p.write(KindPayments, e)
}

// PublishRegistration 写入节点注册事件
func (p *FilePublisher) PublishRegistration(e *models.RegistrationEvent) error {
	if e == nil {
		return nil
	}
	return p.write(KindRegistrations, e)
}

// PublishGovernance 写入治理事件
func (p *FilePublisher) PublishGovernance(e *models.GovernanceEvent) error {
	if e == nil {
		return nil
	}
	return p.write(KindGovernance, e)
}

// PublishError 写入操作失败事件
func (p *FilePublisher) PublishError(e *models.ErrorEvent) error {
	if e == nil {
		return nil
	}
	return p.write(KindErrors, e)
}

// Close 同步并关闭所有文件
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for kind, f := range p.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.files, kind)
	}
	return firstErr
}
