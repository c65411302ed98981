package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter() (*gin.Engine, *Ledger) {
	gin.SetMode(gin.TestMode)

	l := New(NewMemoryStore())
	handler := NewHandler(l)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))
	return r, l
}

func postDeposit(router *gin.Engine, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/v1/admin/deposits", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_DepositAndBalance(t *testing.T) {
	router, _ := setupTestRouter()

	w := postDeposit(router, DepositRequest{Account: "alice", Amount: 500, TxHash: "0xtx1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest("GET", "/v1/balances/alice", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Balance struct {
			Account   string `json:"account"`
			Available uint64 `json:"available"`
		} `json:"balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Balance.Available != 500 {
		t.Errorf("Expected 500 available, got %d", resp.Balance.Available)
	}
}

func TestHandler_DuplicateDeposit(t *testing.T) {
	router, _ := setupTestRouter()

	postDeposit(router, DepositRequest{Account: "alice", Amount: 100, TxHash: "0xsame"})
	w := postDeposit(router, DepositRequest{Account: "alice", Amount: 100, TxHash: "0xsame"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate deposit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DepositValidation(t *testing.T) {
	router, _ := setupTestRouter()

	// Missing amount
	w := postDeposit(router, map[string]any{"account": "alice"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing amount, got %d", w.Code)
	}

	// Bad identity
	w = postDeposit(router, DepositRequest{Account: "!", Amount: 10})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad identity, got %d", w.Code)
	}
}

func TestHandler_History(t *testing.T) {
	router, l := setupTestRouter()
	postDeposit(router, DepositRequest{Account: "alice", Amount: 300, TxHash: "0xtx1"})
	l.Transfer(context.Background(), "alice", "custody", 100, "offer_1")

	req := httptest.NewRequest("GET", "/v1/balances/alice/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Entries []struct {
			Type   string `json:"type"`
			Amount uint64 `json:"amount"`
		} `json:"entries"`
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Fatalf("Expected 2 entries, got %d", resp.Count)
	}
	if resp.Entries[0].Type != "transfer_out" {
		t.Errorf("Expected newest entry transfer_out, got %s", resp.Entries[0].Type)
	}

	// Unknown accounts return an empty history
	req = httptest.NewRequest("GET", "/v1/balances/nobody/history", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("Expected empty history, got %d", resp.Count)
	}
}
