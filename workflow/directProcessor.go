package workflow

import (
	"context"
	"time"

	"github.com/cardiva/cardiva_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DirectProcessor feeds the realtime hub straight from the outbox when
// Pub/Sub is not configured (local/dev environments). Delivery stays
// at-least-once; the hub deduplicates by (entity, event id).
type DirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Hub       *Hub
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewDirectProcessor(db *gorm.DB, logger *logrus.Logger, hub *Hub) *DirectProcessor {
	return &DirectProcessor{
		DB:        db,
		Logger:    logger,
		Hub:       hub,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
}

func (p *DirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Hub == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *DirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.ChangeEventRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("publish_status IN ?", []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.ChangeEventRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at": claimed[i].LockedAt,
					"locked_by": claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		msg := models.ConvertToChangeFeedMessage(rec)
		if err := p.Hub.Enqueue(ctx, msg); err != nil {
			errMsg := err.Error()
			_ = p.DB.WithContext(ctx).Model(&models.ChangeEventRecord{}).
				Where("id = ?", rec.ID).
				Updates(map[string]interface{}{
					"last_publish_error": &errMsg,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":       "DirectProcessor",
					"business_id": rec.BusinessId,
					"table_name":  rec.TableName,
					"entity_id":   rec.EntityId,
					"record_id":   rec.ID,
				}).Error("direct processing failed: " + errMsg)
			}
			continue
		}

		_ = p.DB.WithContext(ctx).Model(&models.ChangeEventRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status": models.OutboxPublishStatusSent,
				"published_at":   &now,
				"locked_at":      nil,
				"locked_by":      nil,
			}).Error
	}
}
