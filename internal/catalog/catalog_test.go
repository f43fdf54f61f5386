package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

type mockCatalog struct {
	m        sync.RWMutex
	products map[string]*domain.Product
	lookups  int
}

func (c *mockCatalog) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	c.m.Lock()
	defer c.m.Unlock()
	c.lookups++
	p, ok := c.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return p, nil
}

func tee() *domain.Product {
	compare := decimal.RequireFromString("30")
	return &domain.Product{
		ID:           "tee",
		Title:        "Tee",
		Price:        decimal.RequireFromString("20"),
		ComparePrice: &compare,
		SKU:          "TEE",
		Options:      []domain.VariationOption{{Name: "Size", Values: []string{"S", "M"}}},
		Variants: []domain.VariantProduct{
			{ID: "tee-s", ProductID: "tee", Price: decimal.RequireFromString("21"), SKU: "TEE-S", Options: map[string]string{"Size": "S"}},
			{ID: "tee-m", ProductID: "tee", Price: decimal.RequireFromString("22"), SKU: "TEE-M", Options: map[string]string{"Size": "M"}},
		},
	}
}

func mug() *domain.Product {
	return &domain.Product{ID: "mug", Title: "Mug", Price: decimal.RequireFromString("8"), SKU: "MUG"}
}

func TestPricer_RepriceReportsChanges(t *testing.T) {
	c := &mockCatalog{products: map[string]*domain.Product{"tee": tee(), "mug": mug()}}
	p := NewPricer(c)

	lines := []domain.CartLine{
		{ID: "a", Kind: domain.LineVariant, ProductID: "tee", VariantID: "tee-s", Quantity: 1, UnitPrice: decimal.RequireFromString("19")},
		{ID: "b", Kind: domain.LineVariant, ProductID: "tee", VariantID: "tee-m", Quantity: 1, UnitPrice: decimal.RequireFromString("22")},
		{ID: "c", Kind: domain.LinePlain, ProductID: "mug", Quantity: 3, UnitPrice: decimal.RequireFromString("9")},
	}

	out, changes, err := p.Reprice(context.Background(), lines)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "21", out[0].UnitPrice.String())
	assert.Equal(t, "TEE-S", out[0].SKU)
	assert.Equal(t, "8", out[2].UnitPrice.String())

	require.Len(t, changes, 2)
	assert.Equal(t, domain.LineKey("v:tee-s"), changes[0].Key)
	assert.Equal(t, "19", changes[0].Old.String())
	assert.Equal(t, "21", changes[0].New.String())
	assert.Equal(t, "mug", changes[1].ProductID)

	assert.Equal(t, 2, c.lookups, "one lookup per product")
	assert.Equal(t, "19", lines[0].UnitPrice.String(), "input not modified")
}

func TestPricer_RepriceMissingVariant(t *testing.T) {
	p := NewPricer(&mockCatalog{products: map[string]*domain.Product{"tee": tee()}})

	_, _, err := p.Reprice(context.Background(), []domain.CartLine{
		{Kind: domain.LineVariant, ProductID: "tee", VariantID: "tee-xl", Quantity: 1},
	})
	assert.ErrorIs(t, err, ErrVariantNotFound)

	_, _, err = p.Reprice(context.Background(), []domain.CartLine{
		{Kind: domain.LinePlain, ProductID: "gone", Quantity: 1},
	})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestPricer_Line(t *testing.T) {
	p := NewPricer(&mockCatalog{products: map[string]*domain.Product{"tee": tee(), "mug": mug()}})
	ctx := context.Background()

	line, _, err := p.Line(ctx, "tee", "tee-m")
	require.NoError(t, err)
	assert.Equal(t, domain.LineVariant, line.Kind)
	assert.Equal(t, "22", line.UnitPrice.String())

	_, _, err = p.Line(ctx, "tee", "")
	assert.ErrorIs(t, err, domain.ErrVariantRequired)

	line, _, err = p.Line(ctx, "mug", "")
	require.NoError(t, err)
	assert.Equal(t, domain.LinePlain, line.Kind)
}

func TestProductDocument_RoundTrip(t *testing.T) {
	p := tee()
	back, err := toProductDocument(p).toDomain()
	require.NoError(t, err)
	assert.Equal(t, "30", back.ComparePrice.String())
	assert.Nil(t, back.Variants[0].ComparePrice)
	assert.Equal(t, "tee", back.Variants[1].ProductID)
	assert.Equal(t, p.Variants[1].Options, back.Variants[1].Options)
}

func TestMongoCatalog_UpsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	defer func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}()

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)
	db, err := repository.ConnectMongoDB(ctx, uri, "catalogtest")
	require.NoError(t, err)

	c := NewMongoCatalog(db)
	require.NoError(t, c.UpsertProduct(ctx, tee()))

	got, err := c.GetProduct(ctx, "tee")
	require.NoError(t, err)
	assert.Equal(t, "Tee", got.Title)
	require.Len(t, got.Variants, 2)
	assert.Equal(t, "21", got.Variants[0].Price.String())

	_, err = c.GetProduct(ctx, "nope")
	assert.ErrorIs(t, err, ErrProductNotFound)
}
