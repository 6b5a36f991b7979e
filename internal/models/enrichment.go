package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типы ресурсов маркетплейса, которые мы обогащаем.
const (
	ResourceTypeOrder    = "order"
	ResourceTypeClaim    = "claim"
	ResourceTypeReturn   = "return"
	ResourceTypeShipment = "shipment"
)

// Relation names (можно расширять).
const (
	RelationShipping      = "shipping"
	RelationClaims        = "claims"
	RelationReturns       = "returns"
	RelationMessages      = "messages"
	RelationCosts         = "costs"
	RelationSLA           = "sla"
	RelationStatusHistory = "statusHistory"
)

// EnrichmentKey identifies one enriched resource. Immutable once created.
type EnrichmentKey struct {
	AccountID    string `json:"account_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

func (k EnrichmentKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.AccountID, k.ResourceType, k.ResourceID)
}

// EnrichedRecord is the denormalized merge target. Related maps relation name
// to the raw sub-resource payload; a nil payload means the relation is absent
// (NotFound upstream or degraded fetch). Core is never nil in a record
// returned by the merger.
type EnrichedRecord struct {
	Key       EnrichmentKey              `json:"key"`
	Core      json.RawMessage            `json:"core"`
	Related   map[string]json.RawMessage `json:"related"`
	Partial   bool                       `json:"partial"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Absent reports whether a relation was fetched and came back empty.
// Nil сериализуется в JSON `null`, а обратно читается как четырёхбайтовый
// литерал — поэтому сравниваем с обоими представлениями, иначе отсутствие
// relation теряется при чтении записи из кэша.
func (r *EnrichedRecord) Absent(relation string) bool {
	v, ok := r.Related[relation]
	return ok && isJSONNull(v)
}

func isJSONNull(v json.RawMessage) bool {
	return v == nil || string(v) == "null"
}

// UnmarshalJSON normalizes round-tripped `null` relation values back to nil,
// so records read from any cache tier compare equal to freshly merged ones.
func (r *EnrichedRecord) UnmarshalJSON(b []byte) error {
	type alias EnrichedRecord
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	for name, v := range a.Related {
		if v != nil && string(v) == "null" {
			a.Related[name] = nil
		}
	}
	*r = EnrichedRecord(a)
	return nil
}

// CacheEntry is the shape shared by all cache tiers. Value is the serialized
// payload (one record or a batch).
type CacheEntry struct {
	Key      EnrichmentKey
	Value    json.RawMessage
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past its TTL at the given moment.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.StoredAt) >= e.TTL
}

// SyncWatermark: последняя успешная фоновая синхронизация аккаунта и
// количество записей, увиденное в том проходе.
type SyncWatermark struct {
	AccountID   string    `json:"account_id"`
	SyncedAt    time.Time `json:"synced_at"`
	RecordCount int64     `json:"record_count"`
}

// Account carries the marketplace access token for one seller account.
// Tokens are issued by the connection service; we never refresh them here.
type Account struct {
	ID    string
	Token string
}
