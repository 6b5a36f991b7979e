package messages

import "time"

const TopicRecordSynced = "opsbox.record.synced"

// RecordSynced публикуется воркером после пересинхронизации записи.
// API-реплики по нему инвалидируют свои кэш-тиры для аккаунта.
type RecordSynced struct {
	AccountID    string    `json:"account_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Partial      bool      `json:"partial"`
	SyncedAt     time.Time `json:"synced_at"`
}
