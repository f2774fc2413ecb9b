package todo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestWelcomeUpsertOnlySetsOnInsert(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	update := welcomeUpsert("u-1", "e-1", now)

	require.Len(t, update, 1)
	assert.Equal(t, "$setOnInsert", update[0].Key)

	fields, ok := update[0].Value.(bson.D)
	require.True(t, ok)
	got := map[string]any{}
	for _, e := range fields {
		got[e.Key] = e.Value
	}
	assert.Equal(t, map[string]any{
		"userId":        "u-1",
		"type":          "WELCOME",
		"title":         "Welcome to the App",
		"completed":     false,
		"sourceEventId": "e-1",
		"createdAt":     now,
		"updatedAt":     now,
	}, got)
}
