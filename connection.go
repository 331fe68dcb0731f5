// connection.go - Connection manager: one pooled client per configuration

package odm

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tevino/abool"
	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultManager backs the package-level Connect and CloseAll.
var DefaultManager = NewManager()

// Client is a pooled handle to one MongoDB deployment and database.
type Client struct {
	client  *mongodrv.Client
	cfg     Config
	manager *Manager
	closed  *abool.AtomicBool
}

// Manager caches clients by configuration.
type Manager struct {
	mu      sync.Mutex
	clients map[Config]*Client
	dial    func(ctx context.Context, cfg Config) (*mongodrv.Client, error)
}

// NewManager returns an empty manager that dials real deployments.
func NewManager() *Manager {
	return &Manager{
		clients: make(map[Config]*Client),
		dial:    dialMongo,
	}
}

// Connect returns the client for cfg, dialing it on first use.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	return DefaultManager.Connect(ctx, cfg)
}

// CloseAll closes every client of the DefaultManager.
func CloseAll(ctx context.Context) error {
	return DefaultManager.CloseAll(ctx)
}

// Connect returns the cached client for cfg or dials a new one. The initial
// handshake is not retried.
func (m *Manager) Connect(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[cfg]; ok && !c.closed.IsSet() {
		log().Debug("reusing client", "target", cfg.String())
		return c, nil
	}

	mc, err := m.dial(ctx, cfg)
	if err != nil {
		log().Warn("connect failed", "target", cfg.String(), "error", err)
		return nil, &Error{Kind: ErrConnection, Op: "connect", Message: err.Error(), Err: err}
	}

	c := &Client{
		client:  mc,
		cfg:     cfg,
		manager: m,
		closed:  abool.New(),
	}
	if _, stale := m.clients[cfg]; !stale {
		Clients.Inc()
	}
	m.clients[cfg] = c
	log().Info("connected", "target", cfg.String())
	return c, nil
}

// Len reports the number of cached clients.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// CloseAll disconnects every cached client and empties the cache. The manager
// stays usable afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[Config]*Client)
	m.mu.Unlock()

	var multierr *multierror.Error
	for _, c := range clients {
		Clients.Dec()
		if err := c.disconnect(ctx); err != nil {
			multierr = multierror.Append(multierr, err)
		}
	}
	return multierr.ErrorOrNil()
}

func (m *Manager) forget(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.clients[c.cfg]; ok && cur == c {
		delete(m.clients, c.cfg)
		Clients.Dec()
	}
}

func dialMongo(ctx context.Context, cfg Config) (*mongodrv.Client, error) {
	opts := cfg.clientOptions().SetPoolMonitor(poolMonitor(cfg.Database))

	client, err := mongodrv.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	pingCtx := ctx
	if _, ok := ctx.Deadline(); !ok && cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.ServerSelectionTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
		return nil, err
	}
	return client, nil
}

// Config returns the configuration the client was opened with.
func (c *Client) Config() Config {
	return c.cfg
}

// Raw exposes the underlying driver client.
func (c *Client) Raw() *mongodrv.Client {
	return c.client
}

// Database returns the configured database.
func (c *Client) Database() *mongodrv.Database {
	return c.client.Database(c.cfg.Database)
}

// Collection returns a collection of the configured database.
func (c *Client) Collection(name string) *mongodrv.Collection {
	return c.Database().Collection(name)
}

// Ping tests the connection.
func (c *Client) Ping(ctx context.Context) error {
	return wrapError("ping", c.client.Ping(ctx, readpref.Primary()))
}

// BuildInfo gets server build information.
func (c *Client) BuildInfo(ctx context.Context) (BuildInfo, error) {
	var result BuildInfo
	err := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&result)
	if err != nil {
		return BuildInfo{}, wrapError("build info", err)
	}
	return result, nil
}

// Close disconnects this client and removes it from its manager. The next
// Connect with the same configuration dials again.
func (c *Client) Close(ctx context.Context) error {
	if c.manager != nil {
		c.manager.forget(c)
	}
	return c.disconnect(ctx)
}

func (c *Client) disconnect(ctx context.Context) error {
	if !c.closed.SetToIf(false, true) || c.client == nil {
		return nil
	}
	log().Info("disconnecting", "target", c.cfg.String())
	return wrapError("disconnect", c.client.Disconnect(ctx))
}
