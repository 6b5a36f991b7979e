package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnrichmentKey_String(t *testing.T) {
	k := EnrichmentKey{AccountID: "a1", ResourceType: ResourceTypeOrder, ResourceID: "o1"}
	require.Equal(t, "a1:order:o1", k.String())
}

func TestEnrichedRecord_Absent(t *testing.T) {
	r := &EnrichedRecord{Related: map[string]json.RawMessage{
		RelationShipping: json.RawMessage(`{"id":"shp-1"}`),
		RelationClaims:   nil,
	}}

	require.False(t, r.Absent(RelationShipping))
	require.True(t, r.Absent(RelationClaims))
	// не запрашивали — не отсутствует
	require.False(t, r.Absent(RelationReturns))
}

func TestEnrichedRecord_AbsenceSurvivesRoundTrip(t *testing.T) {
	orig := &EnrichedRecord{
		Key:  EnrichmentKey{AccountID: "a1", ResourceType: ResourceTypeOrder, ResourceID: "o1"},
		Core: json.RawMessage(`{"status":"open"}`),
		Related: map[string]json.RawMessage{
			RelationShipping: json.RawMessage(`{"id":"shp-1"}`),
			RelationMessages: nil,
		},
		FetchedAt: time.Now().UTC().Truncate(time.Second),
	}

	b, err := json.Marshal(orig)
	require.NoError(t, err)

	var got EnrichedRecord
	require.NoError(t, json.Unmarshal(b, &got))

	require.True(t, got.Absent(RelationMessages))
	require.False(t, got.Absent(RelationShipping))
	// нормализация до nil, а не до литерала "null"
	require.Nil(t, got.Related[RelationMessages])
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Now().UTC()
	e := CacheEntry{StoredAt: now.Add(-2 * time.Minute), TTL: time.Minute}
	require.True(t, e.Expired(now))

	e.TTL = 5 * time.Minute
	require.False(t, e.Expired(now))

	// TTL 0 = бессрочно
	e.TTL = 0
	require.False(t, e.Expired(now))
}
