package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fjod/go_storefront/internal/address"
	c "github.com/fjod/go_storefront/internal/cache"
	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/catalog"
	"github.com/fjod/go_storefront/internal/checkout"
	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/config"
	"github.com/fjod/go_storefront/internal/gateway"
	h "github.com/fjod/go_storefront/internal/http"
	"github.com/fjod/go_storefront/internal/pgdb"
	"github.com/fjod/go_storefront/internal/poller"
	"github.com/fjod/go_storefront/internal/publisher"
	"github.com/fjod/go_storefront/internal/repository"
	s "github.com/fjod/go_storefront/internal/service"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/fjod/go_storefront/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Env.Log.Level, cfg.Env.Log.Pretty)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.Env.ServiceName))

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MongoDB: server carts and the catalog
	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatal("failed to connect to MongoDB", zap.Error(err))
	}
	defer func() { _ = mongoDB.Client().Disconnect(context.Background()) }()

	repo := repository.NewMongoRepository(mongoDB)
	if err := repo.CreateIndexes(ctx); err != nil {
		log.Fatal("failed to create cart indexes", zap.Error(err))
	}
	log.Info("connected to MongoDB", zap.String("uri", cfg.Mongo.URI))

	// Redis: server cart cache and guest carts
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	// Postgres: addresses and checkout sessions
	db, err := pgdb.Open(ctx, &pgdb.Credentials{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()
	if err := address.Migrate(db, cfg.Postgres.AddressMigrations); err != nil {
		log.Fatal("address migrations failed", zap.Error(err))
	}
	if err := checkoutsvc.Migrate(db, cfg.Postgres.CheckoutMigrations); err != nil {
		log.Fatal("checkout migrations failed", zap.Error(err))
	}

	products := catalog.NewMongoCatalog(mongoDB)
	pricer := catalog.NewPricer(products)
	cartService := s.NewCartService(repo, c.NewRedisCache(redisClient, cfg.Redis.CartTTL), pricer, log.Named("cart"))
	guests := c.NewGuestCarts(redisClient, cfg.Redis.GuestTTL)

	addresses := address.NewService(address.NewPostgresRepository(db), log.Named("address"))

	carriers, err := shipping.CarriersFromConfig(cfg.Shipping.Carriers, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Shipping.QuoteTimeout,
	})
	if err != nil {
		log.Fatal("invalid carrier configuration", zap.Error(err))
	}
	rates := shipping.NewCarrierRates(carriers, addresses, cfg.Checkout.Currency, cfg.Shipping.QuoteTimeout, log.Named("shipping"))

	signer := gateway.NewSigner(cfg.Gateway.Secret)
	registry := gateway.NewRegistry(signer, log.Named("gateway"))
	gatewayClient := gateway.NewClient(registry, cfg.Gateway.URL, cfg.Gateway.KeyID, cfg.Gateway.PollInterval, log.Named("gateway"))

	checkoutRepo := checkoutsvc.NewRepository(db)
	checkoutService := checkoutsvc.NewCheckoutService(checkoutsvc.Deps{
		Repo:      checkoutRepo,
		Prices:    pricer,
		Addresses: addresses,
		Rates:     rates,
		Orders:    gatewayClient,
		Verifier:  signer,
		Discounts: cfg.Checkout.DiscountCodes,
		Currency:  cfg.Checkout.Currency,
		Log:       log.Named("checkoutsvc"),
	})

	// Outbox -> Kafka -> cart rotation for orders whose session never came back.
	outbox := publisher.NewOutboxPoller(checkoutRepo, cfg.Kafka.Topic, log.Named("outbox"), cfg.Kafka.Brokers...)
	go outbox.Run(ctx)
	cartPoller := poller.NewPoller(cartService, cfg.Kafka.Topic, cfg.Kafka.GroupID, log.Named("poller"), cfg.Kafka.Brokers...)
	go cartPoller.Run(ctx)
	defer cartPoller.Close()

	productHandler := h.NewProductHandler(products, cfg.HTTP.RequestTimeout, log)
	sessions := h.NewSessions(h.SessionDeps{
		Backend: cartService,
		Guests:  guests,
		Merger:  cart.NewMerger(cartService, guests, cfg.Checkout.MergeAttempts, log.Named("merge")),
		Checkout: checkout.Deps{
			Backend:      checkoutService,
			Gateway:      gatewayClient,
			Addresses:    addresses,
			Rates:        rates,
			Guard:        checkout.NewGuard(),
			Reloaders:    []checkout.Reloader{checkout.ReloadFunc(productHandler.Reload)},
			Currency:     cfg.Checkout.Currency,
			ReadyTimeout: cfg.Gateway.ReadyTimeout,
			Log:          log.Named("checkout"),
		},
		Log: log,
	})

	router := h.NewRouter(h.RouterDeps{
		Products:       productHandler,
		Carts:          h.NewCartHandler(sessions, productHandler, cfg.HTTP.RequestTimeout, log),
		Addresses:      h.NewAddressHandler(addresses, cfg.HTTP.RequestTimeout, log),
		Checkouts:      h.NewCheckoutHandler(sessions, productHandler, cfg.HTTP.RequestTimeout, log),
		Gateway:        registry.Routes(),
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodySize:    cfg.HTTP.MaxRequestBodySize,
		Log:            log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      otelhttp.NewHandler(router, "storefront"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("storefront starting", zap.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server exited")
}
