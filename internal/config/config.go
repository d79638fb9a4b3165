// Package config loads the server and client settings from CARTSYNC_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const Prefix = "cartsync"

// Server configures cmd/cart-server.
type Server struct {
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort        string        `envconfig:"GRPC_PORT" default:"50060"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	MongoURI    string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDBName string `envconfig:"MONGO_DB_NAME" default:"cartsync"`
	// every open session persists through this pool
	MongoMaxPoolSize            uint64        `envconfig:"MONGO_MAX_POOL_SIZE" default:"100"`
	MongoMinPoolSize            uint64        `envconfig:"MONGO_MIN_POOL_SIZE" default:"0"`
	MongoConnectTimeout         time.Duration `envconfig:"MONGO_CONNECT_TIMEOUT" default:"10s"`
	MongoServerSelectionTimeout time.Duration `envconfig:"MONGO_SERVER_SELECTION_TIMEOUT" default:"5s"`

	// empty disables Kafka; completed checkouts are then written directly
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"cartsync.checkout-completed"`
	KafkaGroupID string `envconfig:"KAFKA_GROUP_ID" default:"cartsync-history"`

	CatalogDBPath string `envconfig:"CATALOG_DB_PATH" default:"catalog.db"`

	// token:user pairs, comma separated
	Tokens string `envconfig:"TOKENS" required:"true"`

	PaymentBaseURL     string        `envconfig:"PAYMENT_BASE_URL"`
	PaymentToken       string        `envconfig:"PAYMENT_TOKEN"`
	PaymentTimeout     time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"10s"`
	PaymentMaxFailures uint32        `envconfig:"PAYMENT_MAX_FAILURES" default:"5"`
	PaymentOpenTimeout time.Duration `envconfig:"PAYMENT_OPEN_TIMEOUT" default:"30s"`
	PaymentReturnURL   string        `envconfig:"PAYMENT_RETURN_URL" default:"http://localhost:8080/payment/return"`

	WeightToleranceGrams float64       `envconfig:"WEIGHT_TOLERANCE_GRAMS" default:"50"`
	PendingScanTimeout   time.Duration `envconfig:"PENDING_SCAN_TIMEOUT" default:"30s"`
	MaxQuantity          int           `envconfig:"MAX_QUANTITY" default:"50"`
	IdleTimeout          time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	ReapInterval         time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`
}

// Client configures cmd/cartctl. Flags override these values.
type Client struct {
	ServerURL         string        `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	Token             string        `envconfig:"TOKEN"`
	DeviceID          string        `envconfig:"DEVICE_ID" default:"cartctl"`
	RedisAddr         string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	CacheExpiration   time.Duration `envconfig:"CACHE_EXPIRATION" default:"5m"`
	HandoffDBPath     string        `envconfig:"HANDOFF_DB_PATH" default:"cartctl.db"`
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"3s"`
	ReconnectAttempts int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ScaleDelay        time.Duration `envconfig:"SCALE_DELAY" default:"2s"`
	ScaleVariance     float64       `envconfig:"SCALE_VARIANCE" default:"30"`
	// path of a line-oriented scale device; empty uses the simulator
	ScaleDevice string `envconfig:"SCALE_DEVICE"`
}

func LoadServer() (Server, error) {
	var cfg Server
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}
	if cfg.WeightToleranceGrams < 0 {
		return Server{}, fmt.Errorf("load server config: negative weight tolerance %v", cfg.WeightToleranceGrams)
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	if cfg.ReconnectAttempts < 0 {
		return Client{}, fmt.Errorf("load client config: negative reconnect attempts %d", cfg.ReconnectAttempts)
	}
	return cfg, nil
}
