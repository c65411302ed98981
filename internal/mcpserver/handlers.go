package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *BrokerClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *BrokerClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListOffers browses the offer book.
func (h *Handlers) HandleListOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creator := req.GetString("creator", "")
	direction := req.GetString("direction", "")
	openOnly := req.GetBool("open_only", false)
	disputedOnly := req.GetBool("disputed_only", false)
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOffers(ctx, creator, direction, openOnly, disputedOnly, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list offers: %v", err)), nil
	}

	text, err := formatOfferList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetOffer fetches a single offer.
func (h *Handlers) HandleGetOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOfferID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetOffer(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get offer: %v", err)), nil
	}

	return offerResult(raw, "")
}

// HandleCreateOffer creates a new escrow-backed offer.
func (h *Handlers) HandleCreateOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arbiter := req.GetString("arbiter", "")
	if arbiter == "" {
		return mcp.NewToolResultError("arbiter is required"), nil
	}
	assetAmount := req.GetInt("asset_amount", 0)
	if assetAmount <= 0 {
		return mcp.NewToolResultError("asset_amount must be a positive integer"), nil
	}
	offChain := req.GetInt("off_chain_amount", 0)
	direction := req.GetString("direction", "")
	if direction != "sell" && direction != "buy" {
		return mcp.NewToolResultError("direction must be 'sell' or 'buy'"), nil
	}

	raw, err := h.client.CreateOffer(ctx, arbiter, uint64(assetAmount), uint64(offChain), direction)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create offer: %v", err)), nil
	}

	note := "Offer created."
	if direction == "sell" {
		note = "Offer created. Your asset units are now held in escrow."
	}
	return offerResult(raw, note)
}

// HandleAcceptOffer accepts an open offer.
func (h *Handlers) HandleAcceptOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOfferID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.AcceptOffer(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept offer: %v", err)), nil
	}

	return offerResult(raw, "Offer accepted. Mark completion with complete_offer once your side of the trade is done.")
}

// HandleCompleteOffer marks the caller's side complete.
func (h *Handlers) HandleCompleteOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOfferID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.CompleteOffer(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete offer: %v", err)), nil
	}

	return offerResult(raw, "")
}

// HandleCancelOffer cancels an unmatched offer.
func (h *Handlers) HandleCancelOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOfferID(req)
	if errResult != nil {
		return errResult, nil
	}

	if _, err := h.client.CancelOffer(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel offer: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Offer %d cancelled. Any escrowed asset units have been refunded to your balance.", id)), nil
}

// HandleOpenDispute freezes a matched offer.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOfferID(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.OpenDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	return offerResult(raw, "Dispute opened. The offer is frozen until its arbiter resolves it.")
}

// HandleResolveDispute settles a disputed offer as its arbiter.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireOfferID(req)
	if errResult != nil {
		return errResult, nil
	}
	favor := req.GetString("favor", "")
	if favor != "creator" && favor != "counterparty" {
		return mcp.NewToolResultError("favor must be 'creator' or 'counterparty'"), nil
	}

	if _, err := h.client.ResolveDispute(ctx, id, favor == "creator"); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute on offer %d resolved in favor of the %s. Escrowed funds have been released.", id, favor)), nil
}

// HandleCheckBalance returns the caller's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetHistory lists recent ledger entries.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetHistory(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func requireOfferID(req mcp.CallToolRequest) (uint64, *mcp.CallToolResult) {
	id := req.GetInt("offer_id", 0)
	if id <= 0 {
		return 0, mcp.NewToolResultError("offer_id must be a positive integer")
	}
	return uint64(id), nil
}

type offerView struct {
	ID                 uint64    `json:"id"`
	Creator            string    `json:"creator"`
	Arbiter            string    `json:"arbiter"`
	AssetAmount        uint64    `json:"assetAmount"`
	OffChainAmount     uint64    `json:"offChainAmount"`
	Counterparty       *string   `json:"counterparty"`
	CreatorMarked      bool      `json:"creatorMarked"`
	CounterpartyMarked bool      `json:"counterpartyMarked"`
	DisputeOpened      bool      `json:"disputeOpened"`
	Direction          string    `json:"direction"`
	CreatedAt          time.Time `json:"createdAt"`
}

func offerResult(raw json.RawMessage, note string) (*mcp.CallToolResult, error) {
	var resp struct {
		Offer *offerView `json:"offer"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Offer == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected offer response: %s", string(raw))), nil
	}

	var sb strings.Builder
	if note != "" {
		sb.WriteString(note)
		sb.WriteString("\n\n")
	}
	writeOffer(&sb, resp.Offer)
	return mcp.NewToolResultText(sb.String()), nil
}

func writeOffer(sb *strings.Builder, o *offerView) {
	fmt.Fprintf(sb, "Offer #%d (%s)\n", o.ID, o.Direction)
	fmt.Fprintf(sb, "  Creator: %s | Arbiter: %s\n", o.Creator, o.Arbiter)
	fmt.Fprintf(sb, "  Asset: %d units", o.AssetAmount)
	if o.OffChainAmount > 0 {
		fmt.Fprintf(sb, " | Off-chain: %d", o.OffChainAmount)
	}
	sb.WriteString("\n")
	fmt.Fprintf(sb, "  Status: %s\n", offerStatus(o))
}

func offerStatus(o *offerView) string {
	if o.DisputeOpened {
		return "disputed, awaiting arbiter"
	}
	if o.Counterparty == nil {
		return "open, awaiting counterparty"
	}
	switch {
	case o.CreatorMarked && o.CounterpartyMarked:
		return fmt.Sprintf("matched with %s, both sides complete", *o.Counterparty)
	case o.CreatorMarked:
		return fmt.Sprintf("matched with %s, creator marked complete", *o.Counterparty)
	case o.CounterpartyMarked:
		return fmt.Sprintf("matched with %s, counterparty marked complete", *o.Counterparty)
	default:
		return fmt.Sprintf("matched with %s, in progress", *o.Counterparty)
	}
}

func formatOfferList(raw json.RawMessage) (string, error) {
	var resp struct {
		Offers []*offerView `json:"offers"`
		Count  int          `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected offers response format")
	}
	if len(resp.Offers) == 0 {
		return "No offers found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d offer(s):\n\n", len(resp.Offers))
	for i, o := range resp.Offers {
		writeOffer(&sb, o)
		if i < len(resp.Offers)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Balance struct {
			Account   string `json:"account"`
			Available uint64 `json:"available"`
			TotalIn   uint64 `json:"totalIn"`
			TotalOut  uint64 `json:"totalOut"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance for %s:\n", resp.Balance.Account)
	fmt.Fprintf(&sb, "  Available: %d units\n", resp.Balance.Available)
	fmt.Fprintf(&sb, "  Total in:  %d | Total out: %d\n", resp.Balance.TotalIn, resp.Balance.TotalOut)
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []struct {
			Type      string    `json:"type"`
			Amount    uint64    `json:"amount"`
			Reference string    `json:"reference"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No ledger entries yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d ledger entr(ies):\n", len(resp.Entries))
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "  %s  %-12s %d units", e.CreatedAt.Format("2006-01-02 15:04"), e.Type, e.Amount)
		if e.Reference != "" {
			fmt.Fprintf(&sb, "  (%s)", e.Reference)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
