package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/auth"
	"github.com/fjod/go_cart/cartsync/internal/catalog"
	"github.com/fjod/go_cart/cartsync/internal/config"
	"github.com/fjod/go_cart/cartsync/internal/consumer"
	"github.com/fjod/go_cart/cartsync/internal/health"
	"github.com/fjod/go_cart/cartsync/internal/httpapi"
	"github.com/fjod/go_cart/cartsync/internal/hub"
	"github.com/fjod/go_cart/cartsync/internal/metrics"
	"github.com/fjod/go_cart/cartsync/internal/payment"
	"github.com/fjod/go_cart/cartsync/internal/publisher"
	"github.com/fjod/go_cart/cartsync/internal/reconcile"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/fjod/go_cart/cartsync/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadServer()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MongoDB: snapshots and purchase history
	mongoDB, err := repository.ConnectMongoDB(ctx, repository.MongoConfig{
		URI:                    cfg.MongoURI,
		Database:               cfg.MongoDBName,
		MaxPoolSize:            cfg.MongoMaxPoolSize,
		MinPoolSize:            cfg.MongoMinPoolSize,
		ConnectTimeout:         cfg.MongoConnectTimeout,
		ServerSelectionTimeout: cfg.MongoServerSelectionTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to MongoDB")
	}
	repo := repository.NewMongoRepository(mongoDB)
	if err := repo.CreateIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create indexes")
	}
	log.WithField("uri", cfg.MongoURI).Info("connected to MongoDB")

	products, err := catalog.NewRepository(cfg.CatalogDBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open catalog")
	}
	defer products.Close()

	verifier, err := auth.ParseStatic(cfg.Tokens)
	if err != nil {
		log.WithError(err).Fatal("invalid tokens")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// completed checkouts go through Kafka when brokers are configured
	var completions session.CompletionSink = publisher.NewDirectSink(repo)
	if brokers := publisher.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		kp := publisher.NewKafkaPublisher(publisher.NewWriter(cfg.KafkaTopic, brokers...), repo, log)
		defer kp.Close()
		completions = kp

		historyConsumer := consumer.NewConsumer(consumer.NewReader(cfg.KafkaTopic, cfg.KafkaGroupID, brokers...), repo, log)
		defer historyConsumer.Close()
		go historyConsumer.Run(ctx)
		log.WithField("brokers", brokers).Info("publishing completed checkouts to Kafka")
	}

	var provider payment.Provider = payment.FakeProvider{ReturnURL: cfg.PaymentReturnURL}
	if cfg.PaymentBaseURL != "" {
		provider = payment.NewHTTPProvider(payment.HTTPProviderConfig{
			BaseURL:     cfg.PaymentBaseURL,
			Token:       cfg.PaymentToken,
			Timeout:     cfg.PaymentTimeout,
			MaxFailures: cfg.PaymentMaxFailures,
			OpenTimeout: cfg.PaymentOpenTimeout,
		}, nil, log)
	} else {
		log.Warn("no payment provider configured, payments are approved immediately")
	}

	socket := hub.New(hub.DefaultConfig(), nil, verifier, m, log)
	policy := reconcile.NewPolicy(cfg.WeightToleranceGrams)
	registry := session.NewRegistry(session.Config{
		Policy:             &policy,
		PendingScanTimeout: cfg.PendingScanTimeout,
		MaxQuantity:        cfg.MaxQuantity,
	}, session.Deps{
		Catalog:     catalog.NewService(products),
		Emitter:     socket,
		Store:       repo,
		Completions: completions,
		Metrics:     m,
		Log:         log,
	})
	socket.SetSessions(registry)
	go registry.Run(ctx, cfg.ReapInterval, cfg.IdleTimeout, socket.Attached)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Cart:           httpapi.NewCartHandler(registry, repo, cfg.RequestTimeout),
		Checkout:       httpapi.NewCheckoutHandler(registry, provider, cfg.PaymentReturnURL, cfg.RequestTimeout, log),
		Verifier:       verifier,
		Socket:         socket,
		Metrics:        metrics.Handler(reg),
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// gRPC liveness
	healthSrv := health.NewServer(log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}
	go healthSrv.Watch(ctx, "mongodb", 10*time.Second, func(ctx context.Context) error {
		return mongoDB.Client().Ping(ctx, nil)
	})
	go func() {
		log.WithField("port", cfg.GRPCPort).Info("health service listening")
		if err := healthSrv.Serve(lis); err != nil {
			log.WithError(err).Error("health server stopped")
		}
	}()

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("cart server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	healthSrv.Stop()
	socket.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	registry.Close()
	if err := mongoDB.Client().Disconnect(shutdownCtx); err != nil {
		log.WithError(err).Warn("disconnect MongoDB")
	}

	log.Info("server exited")
}
