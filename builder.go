package offsync

import (
	"context"
	"fmt"

	"github.com/halcyonlabs/offsync/codec"
	"github.com/halcyonlabs/offsync/crypto"
	"github.com/halcyonlabs/offsync/logging"
	"github.com/halcyonlabs/offsync/netmon"
	"github.com/halcyonlabs/offsync/queue"
	"github.com/halcyonlabs/offsync/repository"
	"github.com/halcyonlabs/offsync/resolve"
	"github.com/halcyonlabs/offsync/storage"
	"github.com/halcyonlabs/offsync/storage/sqlite"
	"github.com/halcyonlabs/offsync/transport"
	"github.com/halcyonlabs/offsync/worker"
)

// Builder provides a fluent interface for constructing an Engine.
type Builder struct {
	config      Config
	configSet   bool
	store       storage.Store
	endpoint    transport.Endpoint
	monitor     netmon.Monitor
	resolver    resolve.Resolver
	tokens      transport.TokenProvider
	cipher      crypto.Cipher
	logger      *logging.Logger
	onAuthError func(error)
}

// NewBuilder creates a builder with default configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the engine configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.configSet = true
	return b
}

// WithStore sets the durable store. Overrides Config.DatabasePath.
func (b *Builder) WithStore(store storage.Store) *Builder {
	b.store = store
	return b
}

// WithEndpoint sets the remote endpoint. Overrides Config.BaseURL.
func (b *Builder) WithEndpoint(endpoint transport.Endpoint) *Builder {
	b.endpoint = endpoint
	return b
}

// WithTokenProvider sets the bearer token source for the HTTP endpoint.
func (b *Builder) WithTokenProvider(tokens transport.TokenProvider) *Builder {
	b.tokens = tokens
	return b
}

// WithMonitor sets the network monitor. Overrides Config.ProbeURL.
func (b *Builder) WithMonitor(monitor netmon.Monitor) *Builder {
	b.monitor = monitor
	return b
}

// WithResolver sets the conflict resolver. Overrides the default
// last-write-wins with Config.ManualResolution carve-outs.
func (b *Builder) WithResolver(resolver resolve.Resolver) *Builder {
	b.resolver = resolver
	return b
}

// WithCipher sets the cipher protecting the entity types listed in
// Config.EncryptedTypes.
func (b *Builder) WithCipher(cipher crypto.Cipher) *Builder {
	b.cipher = cipher
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *logging.Logger) *Builder {
	b.logger = logger
	return b
}

// WithOnAuthError sets the callback invoked when the endpoint rejects
// credentials.
func (b *Builder) WithOnAuthError(fn func(error)) *Builder {
	b.onAuthError = fn
	return b
}

// Build validates the configuration, wires the components and returns a
// ready Engine. The engine does not sync until Start is called.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	cfg := b.config
	if !b.configSet {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = logging.Discard()
	}

	if len(cfg.EncryptedTypes) > 0 && b.cipher == nil {
		return nil, fmt.Errorf("encrypted entity types configured but no cipher supplied")
	}

	store := b.store
	ownsStore := false
	if store == nil {
		if cfg.DatabasePath == "" {
			return nil, fmt.Errorf("a store or database_path is required")
		}
		s, err := sqlite.NewWithDataSource(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		store = s
		ownsStore = true
	}

	endpoint := b.endpoint
	if endpoint == nil {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("an endpoint or base_url is required")
		}
		ep, err := transport.NewHTTPEndpoint(cfg.BaseURL, &transport.HTTPOptions{
			Tokens: b.tokens,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		endpoint = ep
	}

	monitor := b.monitor
	var probe *netmon.Probe
	if monitor == nil {
		if cfg.ProbeURL != "" {
			probe = netmon.NewProbe(netmon.ProbeConfig{
				URL:      cfg.ProbeURL,
				Interval: cfg.ProbeInterval.Std(),
			})
			monitor = probe
		} else {
			monitor = netmon.NewStatic(true)
		}
	}

	resolver := b.resolver
	if resolver == nil {
		resolver = resolve.NewPerType(cfg.ManualResolution...)
	}

	var queueCodec codec.Codec
	switch cfg.QueueCodec {
	case "msgpack":
		queueCodec = codec.Msgpack{}
	default:
		queueCodec = codec.JSON{}
	}

	q, err := queue.New(ctx, store, &queue.Options{
		Codec:      queueCodec,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay.Std(),
		Logger:     logger,
	})
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return nil, err
	}

	w, err := worker.New(q, endpoint, monitor, store, &worker.Options{
		Resolver:       resolver,
		SyncInterval:   cfg.SyncInterval.Std(),
		RequestTimeout: cfg.RequestTimeout.Std(),
		OnAuthError:    b.onAuthError,
		Logger:         logger,
	})
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return nil, err
	}

	encrypted := make(map[string]bool, len(cfg.EncryptedTypes))
	for _, t := range cfg.EncryptedTypes {
		encrypted[t] = true
	}

	return &Engine{
		config:    cfg,
		store:     store,
		ownsStore: ownsStore,
		queue:     q,
		worker:    w,
		monitor:   monitor,
		probe:     probe,
		cipher:    b.cipher,
		encrypted: encrypted,
		logger:    logger.WithComponent("engine"),
		repos:     make(map[string]*repository.Repository),
	}, nil
}
