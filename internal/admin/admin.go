// Package admin provides admin-only endpoints for inspecting broker state.
package admin

import (
	"context"

	"github.com/fairbroker/fairbroker/internal/reconciliation"
)

// ReconciliationChecker runs the custody fund conservation check.
// Satisfied by *reconciliation.Service.
type ReconciliationChecker interface {
	CheckCustody(ctx context.Context) (*reconciliation.Result, error)
}
