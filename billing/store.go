package billing

import (
	"context"
	"time"

	"github.com/warp/noderental/rental"
)

// =============================================================================
// STORE - Persistence contract for billing entities
// =============================================================================

// Store persists billing entities alongside the rental ones invoices read.
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	rental.Store

	SaveSKU(ctx context.Context, sku SKU) error
	GetSKU(ctx context.Context, id string) (*SKU, error)
	ListSKUs(ctx context.Context) ([]SKU, error)

	// InsertRate appends a rate; generic.ErrDuplicate on (sku, effective_date).
	// There is no update or delete.
	InsertRate(ctx context.Context, r Rate) error
	// ListRates returns the rates of skuID, or of every SKU when skuID is "".
	ListRates(ctx context.Context, skuID string) ([]Rate, error)

	// SaveAllocation upserts the allocation and replaces its cost objects.
	SaveAllocation(ctx context.Context, a CostAllocation) error
	GetAllocation(ctx context.Context, id string) (*CostAllocation, error)
	GetAllocationByProject(ctx context.Context, projectID string) (*CostAllocation, error)
	ListAllocations(ctx context.Context) ([]CostAllocation, error)

	InsertSnapshot(ctx context.Context, s Snapshot) error
	// SupersedeSnapshot closes a current snapshot; it fails if the snapshot
	// is missing or already superseded.
	SupersedeSnapshot(ctx context.Context, id string, at time.Time) error
	// ListSnapshots returns snapshots of allocationID, or all when "".
	ListSnapshots(ctx context.Context, allocationID string) ([]Snapshot, error)

	SaveSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	SavePeriod(ctx context.Context, p InvoicePeriod) error
	GetPeriod(ctx context.Context, id string) (*InvoicePeriod, error)
	ListPeriods(ctx context.Context) ([]InvoicePeriod, error)

	// SaveOverride upserts by (period, event).
	SaveOverride(ctx context.Context, o Override) error
	ListOverrides(ctx context.Context, periodID string) ([]Override, error)
}

// TxStore adds write transactions and point-in-time reads.
type TxStore interface {
	Store

	// WithBillingTx runs fn in one serializable write transaction.
	WithBillingTx(ctx context.Context, fn func(Store) error) error

	// ReadSnapshot runs fn against one stable view of the data; writes
	// committed while fn runs are not observed.
	ReadSnapshot(ctx context.Context, fn func(Store) error) error
}
