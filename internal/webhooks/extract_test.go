package webhooks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeData(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestClerkSubjectRules_Priority(t *testing.T) {
	tests := []struct {
		name, eventType, data, want, rule string
	}{
		{"payer wins", "paymentAttempt.updated", `{"payer":{"user_id":"u_payer"},"user_id":"u_other"}`, "u_payer", "payer.user_id"},
		{"user event id", "user.created", `{"id":"u_created"}`, "u_created", "user.id"},
		{"id ignored for non-user events", "subscription.updated", `{"id":"sub_1","user_id":"u_sub"}`, "u_sub", "user_id"},
		{"nested subscription", "subscription.past_due", `{"subscription":{"user_id":"u_nested"}}`, "u_nested", "subscription.user_id"},
		{"metadata last", "paymentAttempt.updated", `{"metadata":{"user_id":"u_meta"}}`, "u_meta", "metadata.user_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, rule, ok := clerkSubjectRules.find(tc.eventType, decodeData(t, tc.data))
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.rule, rule)
		})
	}
}

func TestClerkSubjectRules_NotFound(t *testing.T) {
	got, _, ok := clerkSubjectRules.find("subscription.updated", decodeData(t, `{"id":"sub_1","payer":{"user_id":""}}`))
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestClerkPlanRules(t *testing.T) {
	plan, rule, ok := clerkPlanRules.find("", decodeData(t,
		`{"subscription_items":[{"plan":{"slug":"starter_plan"}}],"plan":{"slug":"pro_plan"}}`))
	require.True(t, ok)
	assert.Equal(t, "starter_plan", plan)
	assert.Equal(t, "subscription_items[0].plan.slug", rule)

	plan, _, ok = clerkPlanRules.find("", decodeData(t,
		`{"items":[{"status":"canceled","plan":{"slug":"a"}},{"status":"active","plan":{"slug":"b"}}]}`))
	require.True(t, ok)
	assert.Equal(t, "b", plan)

	plan, _, ok = clerkPlanRules.find("", decodeData(t, `{"metadata":{"plan":"enterprise_plan"}}`))
	require.True(t, ok)
	assert.Equal(t, "enterprise_plan", plan)

	_, _, ok = clerkPlanRules.find("", decodeData(t, `{"items":[]}`))
	assert.False(t, ok)
}

func TestLookupInt(t *testing.T) {
	data := decodeData(t, `{"totals":{"grand_total":{"amount":999}},"s":"x"}`)
	n, ok := lookupInt(data, "totals", "grand_total", "amount")
	assert.True(t, ok)
	assert.Equal(t, int64(999), n)

	_, ok = lookupInt(data, "s")
	assert.False(t, ok)
	_, ok = lookupInt(data, "totals", "missing")
	assert.False(t, ok)
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, int64(1_700_000_000_123), parseTimestamp(json.RawMessage(`1700000000123`)).UnixMilli())
	assert.Equal(t, int64(1_700_000_000), parseTimestamp(json.RawMessage(`1700000000`)).Unix())
	assert.Equal(t, 2024, parseTimestamp(json.RawMessage(`"2024-05-01T10:00:00Z"`)).Year())
	assert.True(t, parseTimestamp(nil).IsZero())
	assert.True(t, parseTimestamp(json.RawMessage(`null`)).IsZero())
}
