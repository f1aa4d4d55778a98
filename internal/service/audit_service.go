package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
)

type AuditRepo interface {
	Insert(ctx context.Context, rec *model.AuditRecord) error
	ListByIntent(ctx context.Context, intentID string, limit int) ([]*model.AuditRecord, error)
}

// AuditService persists intent transitions off the hot path.
type AuditService struct {
	logChan chan *model.AuditRecord
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
	done    chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

// NewAuditService writes to a daily jsonl file in logDir (if set) and to repo (if set).
func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	svc := &AuditService{
		logChan: make(chan *model.AuditRecord, 1000), // 缓冲区 1000
		buffer:  newAuditBuffer(5000),
		repo:    repo,
		done:    make(chan struct{}),
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		// 按日轮转文件
		filename := filepath.Join(logDir, "intents-"+time.Now().Format("2006-01-02")+".jsonl")
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		svc.logFile = f
	}

	// 启动消费者 goroutine
	go svc.processLogs()

	return svc, nil
}

func (s *AuditService) Record(rec *model.AuditRecord) {
	s.buffer.Add(rec)
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.logChan <- rec:
	default:
		// 缓冲区满时丢弃持久化写入, 内存环形缓冲仍保留记录
		logger.Warn("audit channel full, dropping persisted record", "intent_id", rec.IntentID, "to", string(rec.To))
	}
}

// List returns the trail of an intent, oldest first.
func (s *AuditService) List(ctx context.Context, intentID string, limit int) ([]*model.AuditRecord, error) {
	if s.repo != nil {
		records, err := s.repo.ListByIntent(ctx, intentID, limit)
		if err == nil && len(records) > 0 {
			return records, nil
		}
	}
	return s.buffer.List(intentID, limit), nil
}

func (s *AuditService) processLogs() {
	defer close(s.done)
	var encoder *json.Encoder
	if s.logFile != nil {
		encoder = json.NewEncoder(s.logFile)
	}
	for rec := range s.logChan {
		if s.repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.repo.Insert(ctx, rec); err != nil {
				logger.Error("failed to write audit record", "intent_id", rec.IntentID, "error", err)
			}
			cancel()
		}
		if encoder != nil {
			if err := encoder.Encode(rec); err != nil {
				logger.Error("failed to append audit file", "error", err)
			}
		}
	}
}

// Close flushes pending records.
func (s *AuditService) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.logChan)
	s.closeMu.Unlock()

	<-s.done
	if s.logFile != nil {
		s.logFile.Close()
	}
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditRecord
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditRecord, 0, maxSize),
	}
}

func (b *auditBuffer) Add(rec *model.AuditRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, rec)
		return
	}
	b.records[b.nextIndex] = rec
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List walks the ring oldest to newest and keeps the last limit matches.
func (b *auditBuffer) List(intentID string, limit int) []*model.AuditRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := len(b.records)
	out := make([]*model.AuditRecord, 0)
	for i := 0; i < total; i++ {
		idx := i
		if total == b.maxSize {
			idx = (b.nextIndex + i) % total
		}
		rec := b.records[idx]
		if rec == nil || (intentID != "" && rec.IntentID != intentID) {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
