package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the wallet MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the current token balance of your Sokuji wallet. "+
			"Shows the balance, plan, features, and whether the wallet is frozen."),
)

var ToolGetQuota = mcp.NewTool("get_quota",
	mcp.WithDescription(
		"Show token usage over the last 30 days against your plan's monthly quota."),
)

var ToolGetHistory = mcp.NewTool("get_history",
	mcp.WithDescription(
		"List recent ledger entries (mints, usage, refunds, adjustments), newest first. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20, max 100)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous get_history result")),
)

var ToolListPlans = mcp.NewTool("list_plans",
	mcp.WithDescription(
		"List subscription plans with their price, monthly token quota, features, and limits."),
)

var ToolGetWallet = mcp.NewTool("get_wallet",
	mcp.WithDescription(
		"Operator: look up any wallet by subject. Shows balance, entitlement, and 30-day usage."),
	mcp.WithString("subject_type",
		mcp.Description("Subject type, 'user' or 'organization' (default 'user')"),
		mcp.Enum("user", "organization")),
	mcp.WithString("subject_id",
		mcp.Required(),
		mcp.Description("Subject id, e.g. 'user_2abc...'")),
)

var ToolAdjustTokens = mcp.NewTool("adjust_tokens",
	mcp.WithDescription(
		"Operator: apply a signed token correction to a wallet. "+
			"Positive values credit, negative values debit. Supply event_id to make the call idempotent."),
	mcp.WithString("subject_type",
		mcp.Description("Subject type, 'user' or 'organization' (default 'user')"),
		mcp.Enum("user", "organization")),
	mcp.WithString("subject_id",
		mcp.Required(),
		mcp.Description("Subject id")),
	mcp.WithNumber("delta",
		mcp.Required(),
		mcp.Description("Tokens to add (positive) or remove (negative); must not be zero")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the correction is made; stored on the ledger entry")),
	mcp.WithString("event_id",
		mcp.Description("Optional idempotency key")),
)

var ToolFreezeWallet = mcp.NewTool("freeze_wallet",
	mcp.WithDescription(
		"Operator: freeze or unfreeze a wallet. A frozen wallet cannot spend tokens "+
			"and its realtime sessions are refused."),
	mcp.WithString("subject_type",
		mcp.Description("Subject type, 'user' or 'organization' (default 'user')"),
		mcp.Enum("user", "organization")),
	mcp.WithString("subject_id",
		mcp.Required(),
		mcp.Description("Subject id")),
	mcp.WithBoolean("frozen",
		mcp.Description("true to freeze (default), false to unfreeze")),
)

var ToolReconcile = mcp.NewTool("reconcile_ledger",
	mcp.WithDescription(
		"Operator: check every wallet's balance against the sum of its ledger entries "+
			"and report mismatches."),
)
