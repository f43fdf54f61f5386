package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type productDocument struct {
	ID           string                   `bson:"_id"`
	Title        string                   `bson:"title"`
	Brand        string                   `bson:"brand"`
	Price        string                   `bson:"price"`
	ComparePrice string                   `bson:"compare_price,omitempty"`
	SKU          string                   `bson:"sku"`
	Stock        int                      `bson:"stock"`
	Images       []string                 `bson:"images"`
	Options      []domain.VariationOption `bson:"options"`
	Variants     []variantDocument        `bson:"variants"`
}

type variantDocument struct {
	ID           string            `bson:"id"`
	Price        string            `bson:"price"`
	ComparePrice string            `bson:"compare_price,omitempty"`
	SKU          string            `bson:"sku"`
	Stock        int               `bson:"stock"`
	Images       []string          `bson:"images"`
	Options      map[string]string `bson:"options"`
}

func optionalPrice(p *decimal.Decimal) string {
	if p == nil {
		return ""
	}
	return p.String()
}

func parseOptional(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func toProductDocument(p *domain.Product) productDocument {
	doc := productDocument{
		ID:           p.ID,
		Title:        p.Title,
		Brand:        p.Brand,
		Price:        p.Price.String(),
		ComparePrice: optionalPrice(p.ComparePrice),
		SKU:          p.SKU,
		Stock:        p.Stock,
		Images:       p.Images,
		Options:      p.Options,
		Variants:     make([]variantDocument, len(p.Variants)),
	}
	for i, v := range p.Variants {
		doc.Variants[i] = variantDocument{
			ID:           v.ID,
			Price:        v.Price.String(),
			ComparePrice: optionalPrice(v.ComparePrice),
			SKU:          v.SKU,
			Stock:        v.Stock,
			Images:       v.Images,
			Options:      v.Options,
		}
	}
	return doc
}

func (d productDocument) toDomain() (*domain.Product, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return nil, fmt.Errorf("product %s price: %w", d.ID, err)
	}
	compare, err := parseOptional(d.ComparePrice)
	if err != nil {
		return nil, fmt.Errorf("product %s compare price: %w", d.ID, err)
	}
	p := &domain.Product{
		ID:           d.ID,
		Title:        d.Title,
		Brand:        d.Brand,
		Price:        price,
		ComparePrice: compare,
		SKU:          d.SKU,
		Stock:        d.Stock,
		Images:       d.Images,
		Options:      d.Options,
		Variants:     make([]domain.VariantProduct, len(d.Variants)),
	}
	for i, v := range d.Variants {
		vp, err := decimal.NewFromString(v.Price)
		if err != nil {
			return nil, fmt.Errorf("variant %s price: %w", v.ID, err)
		}
		vc, err := parseOptional(v.ComparePrice)
		if err != nil {
			return nil, fmt.Errorf("variant %s compare price: %w", v.ID, err)
		}
		p.Variants[i] = domain.VariantProduct{
			ID:           v.ID,
			ProductID:    d.ID,
			Price:        vp,
			ComparePrice: vc,
			SKU:          v.SKU,
			Stock:        v.Stock,
			Images:       v.Images,
			Options:      v.Options,
		}
	}
	return p, nil
}

// MongoCatalog reads products from the "products" collection.
type MongoCatalog struct {
	collection *mongo.Collection
}

func NewMongoCatalog(db *mongo.Database) *MongoCatalog {
	return &MongoCatalog{collection: db.Collection("products")}
}

func (c *MongoCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var doc productDocument
	err := c.collection.FindOne(ctx, bson.M{"_id": productID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return doc.toDomain()
}

func (c *MongoCatalog) UpsertProduct(ctx context.Context, p *domain.Product) error {
	opts := options.Replace().SetUpsert(true)
	_, err := c.collection.ReplaceOne(ctx, bson.M{"_id": p.ID}, toProductDocument(p), opts)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}
