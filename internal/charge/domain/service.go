package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/tier"
	"github.com/smallbiznis/tokenmeter/pkg/db/pagination"
)

type ListChargesRequest struct {
	ClientID string
	pagination.Pagination
}

type ListChargesResponse struct {
	Charges  []TierCharge         `json:"charges"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type Service interface {
	// ProcessCrossedTiers charges every band in crossed plus any band owed by
	// current usage that has no succeeded charge for the client yet.
	ProcessCrossedTiers(ctx context.Context, clientID string, crossed []tier.Crossing) ([]Outcome, error)
	// ReverifyPending resolves pending rows untouched for longer than olderThan.
	ReverifyPending(ctx context.Context, olderThan time.Duration) (int, error)
	ListCharges(ctx context.Context, req ListChargesRequest) (*ListChargesResponse, error)
}

var (
	ErrInvalidClient       = errors.New("invalid_client")
	ErrDuplicateTierCharge = errors.New("duplicate_tier_charge")
	ErrGatewayFailure      = errors.New("gateway_failure")
	ErrAccountInactive     = errors.New("account_inactive")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
