package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fjod/go_cart/cartsync/internal/cache"
	"github.com/fjod/go_cart/cartsync/internal/client"
	"github.com/fjod/go_cart/cartsync/internal/handoff"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// device is one cart terminal wired to the server.
type device struct {
	api      *client.API
	conn     *client.Conn
	mirror   *client.Mirror
	coord    *client.Coordinator
	handoffs *handoff.SQLiteStore
	cache    cache.SnapshotCache
	closers  []func() error
}

func (d *device) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// openStores opens the durable handoff store and, when reachable, the
// snapshot cache.
func openStores(ctx context.Context, opts *RootOptions, log logrus.FieldLogger) (*handoff.SQLiteStore, cache.SnapshotCache, []func() error, error) {
	store, err := handoff.NewSQLiteStore(opts.HandoffDBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open handoff store: %w", err)
	}
	closers := []func() error{store.Close}

	if opts.RedisAddr == "" {
		return store, nil, closers, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("snapshot cache unavailable")
		rdb.Close()
		return store, nil, closers, nil
	}
	closers = append(closers, rdb.Close)
	return store, cache.NewRedisCache(rdb, opts.DeviceID, opts.CacheExpiration), closers, nil
}

func newDevice(ctx context.Context, opts *RootOptions, cartID, marketID string, nav client.Navigator, log logrus.FieldLogger) (*device, error) {
	api, err := client.NewAPI(opts.ServerURL, opts.Token, nil)
	if err != nil {
		return nil, err
	}
	store, snapshots, closers, err := openStores(ctx, opts, log)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*device, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	// An empty cart id resumes the cart of the stored payment handoff.
	if cartID == "" {
		h, err := store.Active(ctx)
		if errors.Is(err, handoff.ErrHandoffNotFound) {
			return fail(client.ErrPaymentHandoffLost)
		}
		if err != nil {
			return fail(fmt.Errorf("load payment handoff: %w", err))
		}
		cartID, marketID = h.CartID, h.MarketID
	}

	scale, scaleCloser, err := openScale(opts)
	if err != nil {
		return fail(err)
	}
	if scaleCloser != nil {
		closers = append(closers, scaleCloser)
	}

	connCfg := client.DefaultConnConfig()
	connCfg.ReconnectDelay = opts.ReconnectDelay
	connCfg.ReconnectAttempts = opts.ReconnectAttempts
	conn := client.NewConn(connCfg, log)
	closers = append(closers, conn.Close)

	mirror := client.NewMirror(cartID, marketID, conn, client.MirrorOptions{Cache: snapshots, Scale: scale, Log: log})
	coord := client.NewCoordinator(client.CoordinatorDeps{
		Mirror:    mirror,
		API:       api,
		Handoffs:  store,
		Conn:      conn,
		Creds:     client.Credentials{Token: opts.Token, CartID: cartID, ServerURL: opts.ServerURL},
		Cache:     snapshots,
		Navigator: nav,
		Log:       log,
	})

	return &device{api: api, conn: conn, mirror: mirror, coord: coord, handoffs: store, cache: snapshots, closers: closers}, nil
}

// openScale picks the weight source once: a device file when configured,
// the simulator otherwise.
func openScale(opts *RootOptions) (client.WeightSource, func() error, error) {
	if opts.ScaleDevice == "" {
		return client.NewSimulatedScale(orDefault(opts.ScaleDelay, client.DefaultScaleDelay), opts.ScaleVariance, nil), nil, nil
	}
	f, err := os.Open(opts.ScaleDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("open scale device: %w", err)
	}
	var r io.Reader = f
	return client.NewSerialScale(r), f.Close, nil
}
