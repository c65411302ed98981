package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Fairbroker MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListOffers = mcp.NewTool("list_offers",
	mcp.WithDescription(
		"Browse escrow offers on the Fairbroker exchange. "+
			"Each offer trades pooled asset units against an off-chain payment, "+
			"with a named arbiter who settles disputes. "+
			"Use this to find open offers before accepting one."),
	mcp.WithString("creator",
		mcp.Description("Filter by the identity that created the offer")),
	mcp.WithString("direction",
		mcp.Description("Filter by offer direction: 'sell' (creator sells asset units) or 'buy' (creator buys them)"),
		mcp.Enum("sell", "buy")),
	mcp.WithBoolean("open_only",
		mcp.Description("Only return offers that have not been accepted yet")),
	mcp.WithBoolean("disputed_only",
		mcp.Description("Only return offers with an open dispute")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of offers to return (default 20)")),
)

var ToolGetOffer = mcp.NewTool("get_offer",
	mcp.WithDescription(
		"Fetch a single Fairbroker offer by ID, including its current state: "+
			"who created it, who accepted it, which sides have marked completion, "+
			"and whether a dispute is open."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The numeric offer ID")),
)

var ToolCreateOffer = mcp.NewTool("create_offer",
	mcp.WithDescription(
		"Create a new escrow-backed offer on Fairbroker. "+
			"For a 'sell' offer, your asset units are escrowed immediately. "+
			"For a 'buy' offer, the accepting counterparty's units are escrowed instead. "+
			"The arbiter you name settles the offer if a dispute is opened."),
	mcp.WithString("arbiter",
		mcp.Required(),
		mcp.Description("Identity of the arbiter who can resolve disputes on this offer")),
	mcp.WithNumber("asset_amount",
		mcp.Required(),
		mcp.Description("Asset units to trade, in base units (must be positive)")),
	mcp.WithNumber("off_chain_amount",
		mcp.Description("Informational off-chain payment amount the other side owes")),
	mcp.WithString("direction",
		mcp.Required(),
		mcp.Description("'sell' if you are supplying the asset units, 'buy' if the counterparty will"),
		mcp.Enum("sell", "buy")),
)

var ToolAcceptOffer = mcp.NewTool("accept_offer",
	mcp.WithDescription(
		"Accept an open offer as the counterparty. "+
			"For a 'buy' offer this escrows your asset units. "+
			"Once accepted, both sides must mark completion before funds are released."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The numeric offer ID to accept")),
)

var ToolCompleteOffer = mcp.NewTool("complete_offer",
	mcp.WithDescription(
		"Mark your side of a matched offer as complete. "+
			"When both participants have marked completion, the escrowed asset units "+
			"are released to the receiving side and the offer settles."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The numeric offer ID to mark complete")),
)

var ToolCancelOffer = mcp.NewTool("cancel_offer",
	mcp.WithDescription(
		"Cancel an offer you created before anyone accepts it. "+
			"Escrowed asset units are refunded to your balance. "+
			"Matched offers cannot be cancelled; open a dispute instead."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The numeric offer ID to cancel")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on a matched offer you participate in. "+
			"This freezes the offer: no completion, cancellation, or settlement can happen "+
			"until the offer's arbiter resolves the dispute."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The numeric offer ID to dispute")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve a disputed offer as its arbiter. "+
			"Choosing 'creator' awards the escrowed asset units to the offer's creator; "+
			"'counterparty' awards them to the accepting side. "+
			"Only the arbiter named on the offer can do this."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The numeric offer ID to resolve")),
	mcp.WithString("favor",
		mcp.Required(),
		mcp.Description("Which side receives the escrowed funds"),
		mcp.Enum("creator", "counterparty")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current Fairbroker ledger balance in asset base units."),
)

var ToolGetHistory = mcp.NewTool("get_history",
	mcp.WithDescription(
		"List your recent Fairbroker ledger entries: deposits, escrow holds, "+
			"releases, and refunds, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)
