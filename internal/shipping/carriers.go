package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fjod/go_storefront/internal/config"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
)

// TableCarrier prices a parcel as base + perItem * items.
type TableCarrier struct {
	id          string
	base        decimal.Decimal
	perItem     decimal.Decimal
	transitDays int
	countries   map[string]bool
}

func NewTableCarrier(id string, base, perItem decimal.Decimal, transitDays int, countries []string) *TableCarrier {
	var allowed map[string]bool
	if len(countries) > 0 {
		allowed = make(map[string]bool, len(countries))
		for _, c := range countries {
			allowed[strings.ToUpper(c)] = true
		}
	}
	return &TableCarrier{id: id, base: base, perItem: perItem, transitDays: transitDays, countries: allowed}
}

func (c *TableCarrier) ID() string { return c.id }

func (c *TableCarrier) Rate(ctx context.Context, p Parcel) (domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return domain.Quote{}, err
	}
	if c.countries != nil && !c.countries[strings.ToUpper(p.Destination.Country)] {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrNoService, p.Destination.Country)
	}
	amount := c.base.Add(c.perItem.Mul(decimal.NewFromInt(int64(p.Items))))
	return domain.PricedQuote(c.id, amount, p.Currency, c.transitDays), nil
}

// HTTPCarrier asks a remote rate endpoint.
type HTTPCarrier struct {
	id     string
	url    string
	client *http.Client
}

func NewHTTPCarrier(id, url string, client *http.Client) *HTTPCarrier {
	return &HTTPCarrier{id: id, url: url, client: client}
}

func (c *HTTPCarrier) ID() string { return c.id }

type rateRequest struct {
	CarrierID  string          `json:"carrier_id"`
	Country    string          `json:"country"`
	PostalCode string          `json:"postal_code"`
	City       string          `json:"city"`
	Items      int             `json:"items"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Currency   string          `json:"currency"`
}

type rateResponse struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	TransitDays int             `json:"transit_days"`
	// NoService is set when the carrier does not deliver to the address.
	NoService bool   `json:"no_service"`
	Error     string `json:"error"`
}

func (c *HTTPCarrier) Rate(ctx context.Context, p Parcel) (domain.Quote, error) {
	body, err := json.Marshal(rateRequest{
		CarrierID:  c.id,
		Country:    p.Destination.Country,
		PostalCode: p.Destination.PostalCode,
		City:       p.Destination.City,
		Items:      p.Items,
		Subtotal:   p.Subtotal,
		Currency:   p.Currency,
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("marshal rate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.Quote{}, fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("rate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Quote{}, fmt.Errorf("rate request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Quote{}, fmt.Errorf("decode rate response: %w", err)
	}
	if out.NoService {
		return domain.Quote{}, ErrNoService
	}
	if out.Error != "" {
		return domain.Quote{}, fmt.Errorf("carrier: %s", out.Error)
	}
	currency := out.Currency
	if currency == "" {
		currency = p.Currency
	}
	return domain.PricedQuote(c.id, out.Amount, currency, out.TransitDays), nil
}

// CarriersFromConfig builds the configured carriers. client is used by http carriers.
func CarriersFromConfig(cfg []config.Carrier, client *http.Client) ([]Carrier, error) {
	carriers := make([]Carrier, 0, len(cfg))
	seen := make(map[string]bool, len(cfg))
	for _, c := range cfg {
		if c.ID == "" {
			return nil, fmt.Errorf("carrier without id")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate carrier %q", c.ID)
		}
		seen[c.ID] = true

		switch c.Kind {
		case "", "table":
			base, err := decimalOrZero(c.Base)
			if err != nil {
				return nil, fmt.Errorf("carrier %s base: %w", c.ID, err)
			}
			perItem, err := decimalOrZero(c.PerItem)
			if err != nil {
				return nil, fmt.Errorf("carrier %s perItem: %w", c.ID, err)
			}
			carriers = append(carriers, NewTableCarrier(c.ID, base, perItem, c.TransitDays, c.Countries))
		case "http":
			if c.URL == "" {
				return nil, fmt.Errorf("carrier %s: url required", c.ID)
			}
			carriers = append(carriers, NewHTTPCarrier(c.ID, c.URL, client))
		default:
			return nil, fmt.Errorf("carrier %s: unknown kind %q", c.ID, c.Kind)
		}
	}
	return carriers, nil
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
