package session

import (
	"time"

	"github.com/fjod/go_cart/cartsync/internal/reconcile"
)

const (
	DefaultPendingScanTimeout = 30 * time.Second
	DefaultCatalogTimeout     = 3 * time.Second
	DefaultPersistTimeout     = 2 * time.Second
	DefaultMaxQuantity        = 50
	defaultInboxSize          = 32
)

type Config struct {
	// nil means reconcile.DefaultToleranceGrams; a zero tolerance demands
	// an exact reading
	Policy             *reconcile.Policy
	PendingScanTimeout time.Duration
	CatalogTimeout     time.Duration
	PersistTimeout     time.Duration
	MaxQuantity        int
	InboxSize          int
}

func DefaultConfig() Config {
	return Config{
		Policy:             defaultPolicy(),
		PendingScanTimeout: DefaultPendingScanTimeout,
		CatalogTimeout:     DefaultCatalogTimeout,
		PersistTimeout:     DefaultPersistTimeout,
		MaxQuantity:        DefaultMaxQuantity,
		InboxSize:          defaultInboxSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy == nil {
		c.Policy = d.Policy
	}
	if c.PendingScanTimeout <= 0 {
		c.PendingScanTimeout = d.PendingScanTimeout
	}
	if c.CatalogTimeout <= 0 {
		c.CatalogTimeout = d.CatalogTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.MaxQuantity <= 0 {
		c.MaxQuantity = d.MaxQuantity
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

func defaultPolicy() *reconcile.Policy {
	p := reconcile.NewPolicy(reconcile.DefaultToleranceGrams)
	return &p
}
