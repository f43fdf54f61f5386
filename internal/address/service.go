// Package address manages saved shipping addresses and the ephemeral
// addresses guests enter at checkout.
package address

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxAddresses = 20

var ErrTooManyAddresses = errors.New("address limit reached")

// ValidationError lists the offending fields by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "invalid address: " + strings.Join(names, ", ")
}

// GuestOwner is the owner id used for addresses entered during a guest session.
func GuestOwner(sessionID string) string {
	return "guest:" + sessionID
}

type Service struct {
	repo         Repository
	validate     *validator.Validate
	log          *zap.Logger
	maxAddresses int
	now          func() time.Time
}

func NewService(repo Repository, log *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		validate:     newValidator(),
		log:          log,
		maxAddresses: defaultMaxAddresses,
		now:          time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks an address form without storing it.
func (s *Service) Validate(a *domain.Address) error {
	err := s.validate.Struct(a)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate address: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Address, error) {
	return s.repo.List(ctx, ownerID)
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.Address, error) {
	return s.repo.Get(ctx, ownerID, id)
}

// Add stores a new address for ownerID. The first address becomes the default.
func (s *Service) Add(ctx context.Context, ownerID string, form domain.Address) (*domain.Address, error) {
	a := normalize(form)
	if err := s.Validate(&a); err != nil {
		return nil, err
	}

	count, err := s.repo.Count(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if count >= s.maxAddresses {
		return nil, fmt.Errorf("%w: max %d", ErrTooManyAddresses, s.maxAddresses)
	}

	now := s.now().UTC()
	a.ID = uuid.NewString()
	a.OwnerID = ownerID
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := s.repo.Create(ctx, &a); err != nil {
		return nil, err
	}

	s.log.Info("address added",
		zap.String("owner_id", ownerID), zap.String("address_id", a.ID), zap.Bool("default", a.IsDefault))
	return &a, nil
}

// AddGuest registers a guest's form address under the session's guest owner
// so it can be quoted and referenced at checkout.
func (s *Service) AddGuest(ctx context.Context, sessionID string, form domain.Address) (*domain.Address, error) {
	form.IsDefault = false
	return s.Add(ctx, GuestOwner(sessionID), form)
}

func (s *Service) Update(ctx context.Context, ownerID, id string, form domain.Address) (*domain.Address, error) {
	a := normalize(form)
	if err := s.Validate(&a); err != nil {
		return nil, err
	}
	a.ID = id
	a.OwnerID = ownerID
	a.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.log.Info("address deleted", zap.String("owner_id", ownerID), zap.String("address_id", id))
	return nil
}

func (s *Service) SetDefault(ctx context.Context, ownerID, id string) error {
	return s.repo.SetDefault(ctx, ownerID, id)
}

func normalize(a domain.Address) domain.Address {
	a.Name = strings.TrimSpace(a.Name)
	a.Line1 = strings.TrimSpace(a.Line1)
	a.Line2 = strings.TrimSpace(a.Line2)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.TrimSpace(a.State)
	a.PostalCode = strings.TrimSpace(a.PostalCode)
	a.Country = strings.ToUpper(strings.TrimSpace(a.Country))
	a.Phone = strings.ReplaceAll(strings.TrimSpace(a.Phone), " ", "")
	return a
}
