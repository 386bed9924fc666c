package factory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/store/memory"
)

var now = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestParseCatalog_File(t *testing.T) {
	f := NewCatalogFactory()

	c, err := f.LoadFile("testdata/catalog.json")
	require.NoError(t, err)

	assert.Len(t, c.SKUs, 3)
	assert.Len(t, c.Rates, 4)
	assert.Len(t, c.Nodes, 3)
	assert.Len(t, c.Projects, 2)
	assert.Len(t, c.Memberships, 4)
	require.Len(t, c.Subscriptions, 1)

	assert.True(t, c.Nodes[0].Active)
	assert.False(t, c.Nodes[2].Active, "explicit active=false is kept")
	assert.Nil(t, c.Subscriptions[0].EndDate)
}

func TestParseCatalog_Rejections(t *testing.T) {
	f := NewCatalogFactory()
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{`},
		{"unknown kind", `{"skus":[{"id":"s","name":"S","kind":"GPU","billing_unit":"HOURLY"}]}`},
		{"unknown unit", `{"skus":[{"id":"s","name":"S","kind":"QOS","billing_unit":"DAILY"}]}`},
		{"bad amount", `{"skus":[{"id":"s","name":"S","kind":"QOS","billing_unit":"HOURLY","rates":[{"amount":"ten","effective_date":"2025-01-01"}]}]}`},
		{"negative amount", `{"skus":[{"id":"s","name":"S","kind":"QOS","billing_unit":"HOURLY","rates":[{"amount":"-1","effective_date":"2025-01-01"}]}]}`},
		{"two rates same date", `{"skus":[{"id":"s","name":"S","kind":"QOS","billing_unit":"HOURLY","rates":[{"amount":"1","effective_date":"2025-01-01"},{"amount":"2","effective_date":"2025-01-01"}]}]}`},
		{"duplicate sku", `{"skus":[{"id":"s","name":"S","kind":"QOS","billing_unit":"HOURLY"},{"id":"s","name":"S","kind":"QOS","billing_unit":"HOURLY"}]}`},
		{"node with unknown sku", `{"nodes":[{"id":"n","name":"n","sku_id":"ghost"}]}`},
		{"node on maintenance sku", `{"skus":[{"id":"m","name":"M","kind":"MAINTENANCE","billing_unit":"MONTHLY"}],"nodes":[{"id":"n","name":"n","sku_id":"m"}]}`},
		{"bad role", `{"projects":[{"id":"p","name":"P","members":[{"actor_id":"a","role":"admin"}]}]}`},
		{"subscription on unknown project", `{"skus":[{"id":"m","name":"M","kind":"MAINTENANCE","billing_unit":"MONTHLY"}],"subscriptions":[{"id":"x","project_id":"p","sku_id":"m","start_date":"2025-01-01"}]}`},
		{"subscription end before start", `{"skus":[{"id":"m","name":"M","kind":"MAINTENANCE","billing_unit":"MONTHLY"}],"projects":[{"id":"p","name":"P"}],"subscriptions":[{"id":"x","project_id":"p","sku_id":"m","start_date":"2025-02-01","end_date":"2025-01-01"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseCatalog([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestApply_SeedsPlaceholderAndIsIdempotent(t *testing.T) {
	// GIVEN: An empty store and the sample catalog
	ctx := context.Background()
	store := memory.New()
	f := NewCatalogFactory()
	c, err := f.LoadFile("testdata/catalog.json")
	require.NoError(t, err)

	// WHEN: It is applied
	sum, err := f.Apply(ctx, store, c, "bootstrap", now)
	require.NoError(t, err)

	// THEN: Every SKU has its placeholder plus the listed rates
	assert.Equal(t, Summary{SKUs: 3, Rates: 4, Nodes: 3, Projects: 2, Memberships: 4, Subscriptions: 1}, sum)

	rates, err := store.ListRates(ctx, "sku-gpu-a100")
	require.NoError(t, err)
	require.Len(t, rates, 3)
	resolver := billing.NewRateResolver(rates)

	old, err := resolver.Resolve("sku-gpu-a100", generic.Date(2024, time.June, 1))
	require.NoError(t, err)
	assert.True(t, old.Amount.Equal(billing.PlaceholderRate))

	summer, err := resolver.Resolve("sku-gpu-a100", generic.Date(2025, time.August, 1))
	require.NoError(t, err)
	assert.True(t, summer.Amount.Equal(decimal.RequireFromString("14.00")))

	m, err := store.GetMembership(ctx, "genomics", "carol")
	require.NoError(t, err)
	require.NotNil(t, m)

	// WHEN: It is applied again
	again, err := f.Apply(ctx, store, c, "bootstrap", now.Add(time.Hour))
	require.NoError(t, err)

	// THEN: No SKU, rate or subscription is duplicated
	assert.Zero(t, again.SKUs)
	assert.Zero(t, again.Rates)
	assert.Zero(t, again.Subscriptions)
	rates, err = store.ListRates(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rates, 7)
}

func TestToJSON_SkipsPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	f := NewCatalogFactory()
	c, err := f.LoadFile("testdata/catalog.json")
	require.NoError(t, err)
	_, err = f.Apply(ctx, store, c, "bootstrap", now)
	require.NoError(t, err)

	skus, err := store.ListSKUs(ctx)
	require.NoError(t, err)
	rates, err := store.ListRates(ctx, "")
	require.NoError(t, err)
	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)

	cj := f.ToJSON(skus, rates, nodes)

	// Round-tripping the dump reproduces the same catalog shape
	back, err := f.FromJSON(cj)
	require.NoError(t, err)
	assert.Len(t, back.SKUs, 3)
	assert.Len(t, back.Rates, 4)
	assert.Len(t, back.Nodes, 3)
}
