package webhooks

import (
	"encoding/json"
	"strings"
)

// rule pulls one string out of an event payload. A rule that does not apply
// to the event type, or finds nothing, reports ok=false.
type rule struct {
	name    string
	applies func(eventType string) bool
	extract func(data map[string]any) (string, bool)
}

// ruleTable is tried in order; the first hit wins.
type ruleTable []rule

func (t ruleTable) find(eventType string, data map[string]any) (value, matched string, ok bool) {
	for _, r := range t {
		if r.applies != nil && !r.applies(eventType) {
			continue
		}
		if v, ok := r.extract(data); ok {
			return v, r.name, true
		}
	}
	return "", "", false
}

func prefixed(prefix string) func(string) bool {
	return func(t string) bool { return strings.HasPrefix(t, prefix) }
}

func at(path ...string) func(map[string]any) (string, bool) {
	return func(data map[string]any) (string, bool) { return lookupString(data, path...) }
}

// clerkSubjectRules locate the Clerk user id across event families.
var clerkSubjectRules = ruleTable{
	{name: "payer.user_id", extract: at("payer", "user_id")},
	{name: "user.id", applies: prefixed("user."), extract: at("id")},
	{name: "user_id", extract: at("user_id")},
	{name: "subscription.user_id", extract: at("subscription", "user_id")},
	{name: "metadata.user_id", extract: at("metadata", "user_id")},
}

// clerkPlanRules locate the plan slug on payment and subscription payloads.
var clerkPlanRules = ruleTable{
	{name: "subscription_items[0].plan.slug", extract: func(data map[string]any) (string, bool) {
		items, ok := lookupSlice(data, "subscription_items")
		if !ok || len(items) == 0 {
			return "", false
		}
		first, _ := items[0].(map[string]any)
		return lookupString(first, "plan", "slug")
	}},
	{name: "items[active].plan.slug", extract: func(data map[string]any) (string, bool) {
		items, _ := lookupSlice(data, "items")
		for _, it := range items {
			m, _ := it.(map[string]any)
			if s, _ := lookupString(m, "status"); s == "active" {
				return lookupString(m, "plan", "slug")
			}
		}
		return "", false
	}},
	{name: "plan.slug", extract: at("plan", "slug")},
	{name: "metadata.plan", extract: at("metadata", "plan")},
}

func lookup(data map[string]any, path ...string) (any, bool) {
	var cur any = data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(data map[string]any, path ...string) (string, bool) {
	v, ok := lookup(data, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func lookupSlice(data map[string]any, path ...string) ([]any, bool) {
	v, ok := lookup(data, path...)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// lookupInt accepts JSON numbers decoded as float64 or json.Number.
func lookupInt(data map[string]any, path ...string) (int64, bool) {
	v, ok := lookup(data, path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
