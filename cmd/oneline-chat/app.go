package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/config"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
	"github.com/go-go-golems/oneline-chat/pkg/redisstream"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
	"github.com/go-go-golems/oneline-chat/pkg/share"
	"github.com/go-go-golems/oneline-chat/pkg/webchat"
)

// stores groups the persistence backends. With sqlite every store shares
// the chat store's database handle.
type stores struct {
	chats      chatstore.ChatStore
	shares     share.Store
	selections agents.SelectionStore
	closers    []func() error
}

func openStores(s config.Settings) (*stores, error) {
	if s.Storage.Backend == "memory" {
		return &stores{
			chats:      chatstore.NewInMemoryChatStore(),
			shares:     share.NewMemoryStore(),
			selections: agents.NewMemorySelectionStore(),
		}, nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(s.Storage.Path)
	if err != nil {
		return nil, err
	}
	chats, err := chatstore.NewSQLiteChatStore(dsn)
	if err != nil {
		return nil, err
	}
	st := &stores{chats: chats, closers: []func() error{chats.Close}}
	shares, err := share.NewSQLiteStoreFromDB(chats.DB())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.shares = shares
	selections, err := agents.NewSQLiteSelectionStoreFromDB(chats.DB())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.selections = selections
	return st, nil
}

func (s *stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func buildRegistry(s config.Settings) (*provider.Registry, error) {
	return provider.NewRegistryFromEndpoints(s.AI.Provider, s.Endpoints())
}

// buildDirectory registers the builtin provider agent plus the agents file.
func buildDirectory(s config.Settings, sel agents.SelectionStore) (*agents.Directory, error) {
	dir := agents.NewDirectory(
		agents.WithSelectionStore(sel),
		agents.WithStaleAfter(s.Agents.StaleAfter),
	)
	var file *agents.File
	if s.Agents.File != "" {
		f, err := agents.LoadFile(s.Agents.File)
		if err != nil {
			return nil, err
		}
		file = f
	}
	builtin := agents.BuiltinAgent(provider.NormalizeProviderName(s.AI.Provider), s.ProviderModel())
	defaultID, err := agents.Populate(dir, file, builtin)
	if err != nil {
		return nil, err
	}
	if s.Agents.Default != "" && s.Agents.Default != defaultID {
		if err := dir.SetDefaultAgent(s.Agents.Default); err != nil {
			return nil, errors.Wrapf(err, "default agent %q", s.Agents.Default)
		}
	}
	return dir, nil
}

func relaySettings(s config.Settings) relay.Settings {
	rs := relay.DefaultSettings()
	rs.DefaultProvider = provider.NormalizeProviderName(s.AI.Provider)
	rs.DefaultModel = s.ProviderModel()
	rs.DefaultTemperature = s.Relay.Temperature
	rs.SystemPrompt = s.AI.SystemPrompt
	rs.HistoryTurns = s.Relay.HistoryTurns
	rs.RequestTimeout = s.Relay.RequestTimeout
	rs.IdleTimeout = s.Relay.IdleTimeout
	rs.StoreTimeout = s.Relay.StoreTimeout
	rs.SerializePerChat = s.Relay.SerializePerChat
	if p, ok := provider.ParseReasoningPolicy(s.Relay.Reasoning); ok {
		rs.Reasoning = p
	}
	return rs
}

func buildHub(ctx context.Context, s config.Settings) (*webchat.StreamHub, error) {
	if !s.Redis.Enabled {
		return webchat.NewInMemoryStreamHub(webchat.DefaultHubIdleTimeout), nil
	}
	t, err := redisstream.NewTransport(ctx, redisstream.Settings{
		Enabled:  true,
		Addr:     s.Redis.Addr,
		Group:    s.Redis.Group,
		Consumer: s.Redis.Consumer,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", s.Redis.Addr).Str("group", s.Redis.Group).Msg("stream hub uses redis streams")
	return webchat.NewRedisStreamHub(t, webchat.DefaultHubIdleTimeout), nil
}

// server wires every component of the serve command.
type server struct {
	stores *stores
	srv    *webchat.Server
}

func buildServer(ctx context.Context, s config.Settings) (*server, error) {
	st, err := openStores(s)
	if err != nil {
		return nil, err
	}
	out := &server{stores: st}
	fail := func(err error) (*server, error) {
		_ = st.Close()
		return nil, err
	}

	registry, err := buildRegistry(s)
	if err != nil {
		return fail(err)
	}
	dir, err := buildDirectory(s, st.selections)
	if err != nil {
		return fail(err)
	}
	prober := agents.NewProber(dir,
		agents.ModelListChecker{Listers: registry.Lister},
		agents.HTTPHealthChecker{},
		agents.ProberSettings{Interval: s.Agents.ProbeInterval, Timeout: s.Agents.ProbeTimeout},
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub, err := buildHub(ctx, s)
	if err != nil {
		return fail(err)
	}

	opts := []relay.Option{
		relay.WithObserver(hub),
		relay.WithMetrics(relay.NewMetrics(reg)),
	}
	if counter, err := provider.NewTiktokenCounter(); err != nil {
		log.Warn().Err(err).Msg("token counting disabled")
	} else {
		opts = append(opts, relay.WithTokenCounter(counter))
	}
	engine, err := relay.NewEngine(st.chats, dir, registry, relaySettings(s), opts...)
	if err != nil {
		_ = hub.Close()
		return fail(err)
	}

	gateway := share.NewGateway(st.shares, st.chats)
	janitor, err := share.NewJanitor(gateway, s.Share.CleanupCron)
	if err != nil {
		_ = hub.Close()
		return fail(err)
	}

	var models provider.ModelLister
	if l, ok := registry.Lister(registry.DefaultName()); ok {
		models = l
	}
	router, err := webchat.NewRouter(webchat.Deps{
		Engine:    engine,
		Chats:     st.chats,
		Directory: dir,
		Shares:    gateway,
		Models:    models,
		Hub:       hub,
		Gatherer:  reg,
	},
		webchat.WithCORSOrigins(s.Server.CORSOrigins),
		webchat.WithRateLimit(s.RateLimit.RPS, s.RateLimit.Burst),
		webchat.WithTrustedUserHeader(s.Server.TrustUserHeader),
		webchat.WithSecureCookies(s.IsProduction()),
		webchat.WithShareTTL(s.Share.DefaultTTL),
	)
	if err != nil {
		_ = hub.Close()
		return fail(err)
	}
	out.srv, err = webchat.NewServer(router, webchat.ServerConfig{
		Addr:            s.Addr(),
		ShutdownTimeout: s.Server.ShutdownTimeout,
		Prober:          prober,
		Janitor:         janitor,
	})
	if err != nil {
		_ = hub.Close()
		return fail(err)
	}
	return out, nil
}

func (s *server) Run(ctx context.Context) error {
	defer func() {
		if err := s.stores.Close(); err != nil {
			log.Warn().Err(err).Msg("close stores")
		}
	}()
	return s.srv.Run(ctx)
}
