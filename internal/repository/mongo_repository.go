package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type cartDocument struct {
	ID          string         `bson:"_id"`
	UserID      string         `bson:"user_id"`
	Active      bool           `bson:"active"`
	Version     int64          `bson:"version"`
	Lines       []lineDocument `bson:"lines"`
	MergeTokens []string       `bson:"merge_tokens"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

// lineDocument keeps money as a decimal string so no precision is lost.
type lineDocument struct {
	ID        string    `bson:"id"`
	Kind      string    `bson:"kind"`
	ProductID string    `bson:"product_id"`
	VariantID string    `bson:"variant_id,omitempty"`
	Title     string    `bson:"title"`
	SKU       string    `bson:"sku,omitempty"`
	Quantity  int       `bson:"quantity"`
	UnitPrice string    `bson:"unit_price"`
	AddedAt   time.Time `bson:"added_at"`
}

func toDocument(c *domain.Cart, active bool) cartDocument {
	doc := cartDocument{
		ID:          c.ID,
		UserID:      c.UserID,
		Active:      active,
		Version:     c.Version,
		Lines:       make([]lineDocument, len(c.Lines)),
		MergeTokens: append([]string{}, c.MergeTokens...),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	for i, l := range c.Lines {
		doc.Lines[i] = lineDocument{
			ID:        l.ID,
			Kind:      string(l.Kind),
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Title:     l.Title,
			SKU:       l.SKU,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.String(),
			AddedAt:   l.AddedAt,
		}
	}
	return doc
}

func (d cartDocument) toDomain() (*domain.Cart, error) {
	c := &domain.Cart{
		ID:          d.ID,
		Kind:        domain.CartServer,
		UserID:      d.UserID,
		Version:     d.Version,
		Lines:       make([]domain.CartLine, len(d.Lines)),
		MergeTokens: d.MergeTokens,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	for i, l := range d.Lines {
		price, err := decimal.NewFromString(l.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("line %s unit price %q: %w", l.ID, l.UnitPrice, err)
		}
		c.Lines[i] = domain.CartLine{
			ID:        l.ID,
			Kind:      domain.LineKind(l.Kind),
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Title:     l.Title,
			SKU:       l.SKU,
			Quantity:  l.Quantity,
			UnitPrice: price,
			AddedAt:   l.AddedAt,
		}
	}
	return c, nil
}

type MongoRepository struct {
	collection *mongo.Collection
}

func (m MongoRepository) findOne(ctx context.Context, filter bson.M) (*domain.Cart, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return doc.toDomain()
}

func (m MongoRepository) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"_id": cartID})
}

func (m MongoRepository) GetActiveCart(ctx context.Context, userID string) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"user_id": userID, "active": true})
}

func (m MongoRepository) CreateCart(ctx context.Context, cart *domain.Cart) error {
	now := time.Now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	_, err := m.collection.InsertOne(ctx, toDocument(cart, true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrCartExists
		}
		return fmt.Errorf("failed to create cart: %w", err)
	}
	return nil
}

func (m MongoRepository) SaveCart(ctx context.Context, cart *domain.Cart, expected int64) error {
	cart.UpdatedAt = time.Now()

	filter := bson.M{"_id": cart.ID, "active": true, "version": expected}
	result, err := m.collection.ReplaceOne(ctx, filter, toDocument(cart, true))
	if err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	if result.MatchedCount == 1 {
		return nil
	}

	// Work out why the filter missed.
	var doc cartDocument
	err = m.collection.FindOne(ctx, bson.M{"_id": cart.ID},
		options.FindOne().SetProjection(bson.M{"active": 1})).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrCartNotFound
	case err != nil:
		return fmt.Errorf("failed to check cart: %w", err)
	case !doc.Active:
		return ErrCartInactive
	default:
		return ErrVersionConflict
	}
}

func (m MongoRepository) DeactivateCart(ctx context.Context, cartID string) error {
	filter := bson.M{"_id": cartID, "active": true}
	update := bson.M{
		"$set": bson.M{"active": false, "updated_at": time.Now()},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to deactivate cart: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		collection: db.Collection("carts"),
	}
}
