package domain

import "time"

// Address is a shipping or billing record. Persisted addresses carry an ID and
// OwnerID; guest form addresses start without either.
type Address struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name" validate:"required,max=120"`
	Line1      string    `json:"line1" validate:"required,max=200"`
	Line2      string    `json:"line2" validate:"max=200"`
	City       string    `json:"city" validate:"required,max=100"`
	State      string    `json:"state" validate:"max=100"`
	PostalCode string    `json:"postal_code" validate:"required,max=20"`
	Country    string    `json:"country" validate:"required,iso3166_1_alpha2"`
	Phone      string    `json:"phone" validate:"required,e164"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Persisted reports whether the address exists in the address service.
func (a *Address) Persisted() bool {
	return a != nil && a.ID != ""
}
