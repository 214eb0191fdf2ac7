package core

import (
	"chat-gateway/models"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncAttemptLogger 异步写入物理请求记录
// 队列满时直接丢弃，不阻塞上游调用
type AsyncAttemptLogger struct {
	db        *gorm.DB
	logChan   chan *models.AttemptLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retention int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncAttemptLogger 创建异步记录器，retention 为保留的最新记录条数（<=0 不清理）
func NewAsyncAttemptLogger(db *gorm.DB, retention int, logger *logrus.Logger) *AsyncAttemptLogger {
	l := &AsyncAttemptLogger{
		db:        db,
		logChan:   make(chan *models.AttemptLog, 1000),
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		retention: retention,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Record 提交记录到队列
func (l *AsyncAttemptLogger) Record(entry *models.AttemptLog) {
	select {
	case l.logChan <- entry:
	default:
		l.logger.Warn("Attempt log channel full, dropping entry")
	}
}

func (l *AsyncAttemptLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncAttemptLogger) workerLoop() {
	var batch []*models.AttemptLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前把队列里剩下的也写掉
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

func (l *AsyncAttemptLogger) flush(entries []*models.AttemptLog) {
	if len(entries) == 0 {
		return
	}
	l.logger.Debugf("[AttemptLog] Flushing %d entries", len(entries))

	if err := l.db.CreateInBatches(entries, len(entries)).Error; err != nil {
		l.logger.Errorf("[AttemptLog] Failed to flush: %v", err)
		return
	}
	l.prune()
}

// prune 只保留最新的 retention 条
func (l *AsyncAttemptLogger) prune() {
	if l.retention <= 0 {
		return
	}
	var count int64
	if err := l.db.Model(&models.AttemptLog{}).Count(&count).Error; err != nil {
		l.logger.Errorf("[AttemptLog] Prune count failed: %v", err)
		return
	}
	if count <= int64(l.retention) {
		return
	}
	var pivotID uint
	if err := l.db.Model(&models.AttemptLog{}).Select("id").Order("id desc").Offset(l.retention).Limit(1).Scan(&pivotID).Error; err != nil {
		l.logger.Errorf("[AttemptLog] Prune pivot query failed: %v", err)
		return
	}
	if pivotID > 0 {
		res := l.db.Where("id <= ?", pivotID).Delete(&models.AttemptLog{})
		if res.Error != nil {
			l.logger.Errorf("[AttemptLog] Prune failed: %v", res.Error)
			return
		}
		l.logger.Debugf("[AttemptLog] Pruned %d old entries", res.RowsAffected)
	}
}

// Recent 最新的 limit 条记录，可按 dispatchID 过滤
func (l *AsyncAttemptLogger) Recent(limit int, dispatchID string) ([]models.AttemptLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := l.db.Order("id desc").Limit(limit)
	if dispatchID != "" {
		q = q.Where("dispatch_id = ?", dispatchID)
	}
	var out []models.AttemptLog
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close 刷新剩余记录并停止 worker，可重复调用
func (l *AsyncAttemptLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
