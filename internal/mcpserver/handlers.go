package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *WalletClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *WalletClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the caller's wallet status.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetQuota returns 30-day usage against the plan quota.
func (h *Handlers) HandleGetQuota(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetQuota(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get quota: %v", err)), nil
	}

	text, err := formatQuota(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quota: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetHistory lists ledger entries.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.GetHistory(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListPlans lists the plan catalog.
func (h *Handlers) HandleListPlans(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPlans(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list plans: %v", err)), nil
	}

	text, err := formatPlans(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse plans: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetWallet looks up any wallet.
func (h *Handlers) HandleGetWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectType, subjectID, errResult := subjectArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetWallet(ctx, subjectType, subjectID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}
	if quota, err := formatQuota(raw); err == nil {
		text += "\n" + quota
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAdjustTokens applies a signed correction.
func (h *Handlers) HandleAdjustTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectType, subjectID, errResult := subjectArgs(req)
	if errResult != nil {
		return errResult, nil
	}
	delta := int64(req.GetFloat("delta", 0))
	if delta == 0 {
		return mcp.NewToolResultError("delta must be a non-zero integer"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	eventID := req.GetString("event_id", "")

	raw, err := h.client.AdjustTokens(ctx, subjectType, subjectID, delta, reason, eventID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Adjustment failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse adjustment: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Adjusted %s:%s by %+d tokens.\n"+
			"Reason: %s\n"+
			"New balance: %s tokens",
		subjectType, subjectID, delta, reason, getString(resp, "balance"))), nil
}

// HandleFreezeWallet freezes or unfreezes a wallet.
func (h *Handlers) HandleFreezeWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectType, subjectID, errResult := subjectArgs(req)
	if errResult != nil {
		return errResult, nil
	}
	frozen := req.GetBool("frozen", true)

	if _, err := h.client.SetFrozen(ctx, subjectType, subjectID, frozen); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update wallet: %v", err)), nil
	}

	state := "unfrozen"
	if frozen {
		state = "frozen"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wallet %s:%s is now %s.", subjectType, subjectID, state)), nil
}

// HandleReconcile runs a reconciliation pass.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatReconcile(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

func subjectArgs(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	subjectID := req.GetString("subject_id", "")
	if subjectID == "" {
		return "", "", mcp.NewToolResultError("subject_id is required")
	}
	return req.GetString("subject_type", "user"), subjectID, nil
}

// --- Formatting helpers ---

func formatWallet(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Wallet might be at top level or nested under "wallet"
	w := resp
	if nested, ok := resp["wallet"].(map[string]any); ok {
		w = nested
	}

	var sb strings.Builder
	sb.WriteString("Wallet:\n")
	if subj, ok := w["subject"].(map[string]any); ok {
		sb.WriteString(fmt.Sprintf("  Subject: %s:%s\n", getString(subj, "subjectType"), getString(subj, "subjectId")))
	}
	sb.WriteString(fmt.Sprintf("  Balance: %s tokens\n", getString(w, "balanceTokens")))
	if v := getString(w, "planId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Plan: %s\n", v))
	}
	if features, ok := w["features"].([]any); ok && len(features) > 0 {
		names := make([]string, 0, len(features))
		for _, f := range features {
			if s, ok := f.(string); ok {
				names = append(names, s)
			}
		}
		sb.WriteString(fmt.Sprintf("  Features: %s\n", strings.Join(names, ", ")))
	}
	if frozen, ok := w["frozen"].(bool); ok && frozen {
		sb.WriteString("  Status: FROZEN (spending disabled)\n")
	}
	if exists, ok := w["exists"].(bool); ok && !exists {
		sb.WriteString("  Note: wallet not created yet\n")
	}

	return sb.String(), nil
}

func formatQuota(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	u, ok := resp["usage"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected quota response format")
	}

	var sb strings.Builder
	sb.WriteString("Usage (last 30 days):\n")
	sb.WriteString(fmt.Sprintf("  Used:    %s tokens\n", getString(u, "last30DaysUsage")))
	sb.WriteString(fmt.Sprintf("  Quota:   %s tokens/month\n", getString(u, "monthlyQuota")))
	sb.WriteString(fmt.Sprintf("  Balance: %s tokens\n", getString(u, "balance")))
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var page struct {
		Entries    []map[string]any `json:"entries"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", err
	}
	if len(page.Entries) == 0 {
		return "No ledger entries.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d ledger entr(ies):\n\n", len(page.Entries)))
	for i, e := range page.Entries {
		sb.WriteString(fmt.Sprintf("%d. %s %s tokens", i+1, getString(e, "eventType"), getString(e, "amountTokens")))
		if ref := getString(e, "referenceType"); ref != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", ref))
		}
		sb.WriteString(fmt.Sprintf(" at %s\n", getString(e, "createdAt")))
		if d := getString(e, "description"); d != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", d))
		}
	}
	if page.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore entries available. cursor: %s", page.NextCursor))
	}
	return sb.String(), nil
}

func formatPlans(raw json.RawMessage) (string, error) {
	var resp struct {
		Plans []map[string]any `json:"plans"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Plans == nil {
		return "", fmt.Errorf("unexpected plans response format")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d plan(s):\n\n", len(resp.Plans)))
	for i, p := range resp.Plans {
		cents, _ := getFloat(p, "priceCents")
		sb.WriteString(fmt.Sprintf("%d. %s: $%.2f, %s tokens/month\n",
			i+1, getString(p, "planId"), cents/100, getString(p, "monthlyQuotaTokens")))
		rpm := getString(p, "rateLimitRpm")
		sessions := getString(p, "maxConcurrentSessions")
		if rpm != "" || sessions != "" {
			sb.WriteString(fmt.Sprintf("   %s req/min, %s concurrent session(s)\n", rpm, sessions))
		}
	}
	return sb.String(), nil
}

func formatReconcile(raw json.RawMessage) (string, error) {
	var rep struct {
		Mismatches []struct {
			Subject struct {
				Type string `json:"subjectType"`
				ID   string `json:"subjectId"`
			} `json:"subject"`
			BalanceTokens int64 `json:"balanceTokens"`
			LedgerSum     int64 `json:"ledgerSum"`
		} `json:"mismatches"`
		Count     int  `json:"count"`
		Truncated bool `json:"truncated"`
	}
	if err := json.Unmarshal(raw, &rep); err != nil {
		return "", err
	}
	if rep.Count == 0 {
		return "Ledger is consistent: every balance matches its ledger sum.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d mismatch(es):\n\n", rep.Count))
	for _, m := range rep.Mismatches {
		sb.WriteString(fmt.Sprintf("- %s:%s balance %d, ledger %d (drift %+d)\n",
			m.Subject.Type, m.Subject.ID, m.BalanceTokens, m.LedgerSum, m.BalanceTokens-m.LedgerSum))
	}
	if rep.Truncated {
		sb.WriteString("\nReport truncated; more wallets may be affected.")
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
