package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for ChangeEventRecord.PublishStatus.
// Keep these as strings (DB values).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// ChangeEventRecord is a transactional outbox row: it is written inside the
// caller's DB transaction and published to Pub/Sub after commit by the
// outbox dispatcher. The realtime hub consumes the published events.
type ChangeEventRecord struct {
	ID         int               `gorm:"primary_key;index:idx_change_dispatch,priority:3" json:"id"`
	BusinessId string            `gorm:"size:64;not null;index" json:"business_id"`
	TableName  string            `gorm:"size:64;not null;index" json:"table_name"`
	EntityId   int               `gorm:"not null;index" json:"entity_id"`
	UserId     int               `json:"user_id"`
	Action     ChangeEventAction `gorm:"size:10;not null" json:"action"`
	Payload    []byte            `gorm:"type:jsonb" json:"payload"`

	// Publish bookkeeping (dispatcher side).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_change_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_change_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishChangeEvent writes the outbox row inside the caller's transaction.
// It does NOT publish to Pub/Sub; the dispatcher does that after commit.
func PublishChangeEvent(ctx context.Context, db *gorm.DB, businessId string, tableName string, entityId int, action ChangeEventAction, payload interface{}) error {

	var payloadInByte []byte
	var err error
	if payload != nil {
		payloadInByte, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	record := ChangeEventRecord{
		BusinessId:    businessId,
		TableName:     tableName,
		EntityId:      entityId,
		UserId:        userId,
		Action:        action,
		Payload:       payloadInByte,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return db.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToChangeFeedMessage(record ChangeEventRecord) config.ChangeFeedMessage {
	return config.ChangeFeedMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		TableName:     record.TableName,
		EntityId:      record.EntityId,
		UserId:        record.UserId,
		Action:        string(record.Action),
		Payload:       json.RawMessage(record.Payload),
		OccurredAt:    record.CreatedAt,
		CorrelationId: record.CorrelationId,
	}
}
