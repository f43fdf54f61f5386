package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "STOREFRONT_"

type Config struct {
	Env struct {
		ServiceName string `koanf:"serviceName"`
		Log         Log    `koanf:"log"`
	} `koanf:"env"`

	HTTP struct {
		Port               string        `koanf:"port"`
		RequestTimeout     time.Duration `koanf:"requestTimeout"`
		ShutdownTimeout    time.Duration `koanf:"shutdownTimeout"`
		MaxRequestBodySize int64         `koanf:"maxRequestBodySize"`
	} `koanf:"http"`

	Mongo struct {
		URI      string `koanf:"uri"`
		Database string `koanf:"database"`
	} `koanf:"mongo"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		CartTTL  time.Duration `koanf:"cartTTL"`
		GuestTTL time.Duration `koanf:"guestTTL"`
	} `koanf:"redis"`

	Postgres Postgres `koanf:"postgres"`

	Kafka struct {
		Brokers []string `koanf:"brokers"`
		Topic   string   `koanf:"topic"`
		GroupID string   `koanf:"groupID"`
	} `koanf:"kafka"`

	Gateway struct {
		URL          string        `koanf:"url"`
		KeyID        string        `koanf:"keyID"`
		Secret       string        `koanf:"secret"`
		ReadyTimeout time.Duration `koanf:"readyTimeout"`
		PollInterval time.Duration `koanf:"pollInterval"`
	} `koanf:"gateway"`

	Checkout struct {
		Currency      string         `koanf:"currency"`
		DiscountCodes map[string]int `koanf:"discountCodes"`
		MergeAttempts int            `koanf:"mergeAttempts"`
	} `koanf:"checkout"`

	Shipping struct {
		QuoteTimeout time.Duration `koanf:"quoteTimeout"`
		Carriers     []Carrier     `koanf:"carriers"`
	} `koanf:"shipping"`
}

type Log struct {
	Pretty bool   `koanf:"pretty"`
	Level  string `koanf:"level"`
}

type Postgres struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbName"`
	// Each service keeps its own migrations directory and version table.
	AddressMigrations  string `koanf:"addressMigrations"`
	CheckoutMigrations string `koanf:"checkoutMigrations"`
}

// Carrier describes one shipping carrier. Kind is "table" or "http".
type Carrier struct {
	ID          string `koanf:"id"`
	Kind        string `koanf:"kind"`
	Base        string `koanf:"base"`
	PerItem     string `koanf:"perItem"`
	TransitDays int    `koanf:"transitDays"`
	URL         string `koanf:"url"`
	// Countries limits a table carrier to destinations it serves; empty means all.
	Countries []string `koanf:"countries"`
}

func defaults() map[string]any {
	return map[string]any{
		"env.serviceName":             "storefront",
		"env.log.level":               "info",
		"env.log.pretty":              false,
		"http.port":                   "8080",
		"http.requestTimeout":         "30s",
		"http.shutdownTimeout":        "10s",
		"http.maxRequestBodySize":     1 << 20,
		"mongo.uri":                   "mongodb://localhost:27017",
		"mongo.database":              "cartdb",
		"redis.addr":                  "localhost:6379",
		"redis.password":              "",
		"redis.cartTTL":               "15m",
		"redis.guestTTL":              "720h",
		"postgres.host":               "localhost",
		"postgres.port":               5432,
		"postgres.user":               "postgres",
		"postgres.password":           "postgres",
		"postgres.dbName":             "ecommerce",
		"postgres.addressMigrations":  "./internal/address/migrations",
		"postgres.checkoutMigrations": "./internal/checkoutsvc/migrations",
		"kafka.brokers":               "localhost:9092",
		"kafka.topic":                 "checkout-outbox",
		"kafka.groupID":               "storefront-cart",
		"gateway.url":                 "http://localhost:8090",
		"gateway.keyID":               "rzp_test_storefront",
		"gateway.secret":              "change-me",
		"gateway.readyTimeout":        "10s",
		"gateway.pollInterval":        "250ms",
		"checkout.currency":           "USD",
		"checkout.mergeAttempts":      3,
		"shipping.quoteTimeout":       "5s",
		"checkout.discountCodes":      map[string]any{},
		"shipping.carriers": []map[string]any{
			{"id": "standard", "kind": "table", "base": "5.00", "perItem": "0.50", "transitDays": 5},
			{"id": "express", "kind": "table", "base": "15.00", "perItem": "1.00", "transitDays": 2},
			{"id": "freight", "kind": "table", "base": "40.00", "perItem": "0", "transitDays": 9},
		},
	}
}

// Load reads config.yaml from the first search path that has one (optional),
// then applies STOREFRONT_* environment overrides on top of the defaults.
func Load(searchPaths ...string) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, errors.Wrapf(err, "set default %s", key)
		}
	}

	if len(searchPaths) == 0 {
		searchPaths = []string{".", "config", "../config"}
	}
	for _, dir := range searchPaths {
		candidate := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := k.Load(file.Provider(candidate), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read %s", candidate)
		}
		break
	}

	existing := k.Raw()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return canonicalizeEnvKey(strings.TrimPrefix(key, envPrefix), existing), value
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables")
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return cfg, nil
}

// canonicalizeEnvKey maps HTTP_REQUESTTIMEOUT onto the existing key
// http.requestTimeout so env overrides replace rather than shadow it.
func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
			continue
		}
		canonical = append(canonical, segment)
		current = nil
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (string, map[string]any, bool) {
	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}
		child, _ := value.(map[string]any)
		return key, child, true
	}
	return "", nil, false
}

func normalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
