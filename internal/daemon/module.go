package daemon

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/matheus3301/imcore/internal/archive"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/config"
	"github.com/matheus3301/imcore/internal/lock"
	"github.com/matheus3301/imcore/internal/logging"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/notify"
	"github.com/matheus3301/imcore/internal/outbox"
	"github.com/matheus3301/imcore/internal/poll"
	"github.com/matheus3301/imcore/internal/remote"
	"github.com/matheus3301/imcore/internal/session"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	intsync "github.com/matheus3301/imcore/internal/sync"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default

	// Overrides for tests. Nil means build from the session and config.
	Config   *config.Config
	Logger   *zap.Logger
	Notifier notify.Notifier
	Title    notify.TitleSink
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			metrics.New,
			provideBus,
			provideStateMachine,
			provideLock,
			provideArchive,
			provideBridge,
			provideStore,
			provideRemote,
			remote.NewTokenSource,
			provideSyncEngine,
			provideChannel,
			provideSender,
			providePoller,
			provideMirror,
			provideService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.Resolve(session.ConfigPath(), session.For(p.SessionName).Env, ".env")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.For(p.SessionName).Log, p.SessionName, logging.Options{Level: cfg.LogLevel})
}

func provideBus(rec *metrics.Recorder) *bus.Bus {
	b := bus.New()
	b.OnDrop(rec.BusDropped)
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	layout := session.For(p.SessionName)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(layout.Dir, cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideArchive depends on the lock so the database is only opened by the
// daemon that owns the session.
func provideArchive(p Params, _ *lock.Lock, logger *zap.Logger) (*archive.DB, error) {
	dbPath := session.For(p.SessionName).Archive
	db, err := archive.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("archive ready",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema_version", result.Version),
		zap.Bool("migrated", result.Changed),
	)
	return db, nil
}

func provideBridge(p Params, cfg *config.Config, logger *zap.Logger) *notify.Bridge {
	opts := notify.Options{BaseTitle: cfg.Notify.BaseTitle, Logger: logger}
	switch {
	case p.Notifier != nil:
		opts.Notifier = p.Notifier
	case cfg.Notify.Desktop:
		opts.Notifier = notify.Desktop{Icon: cfg.Notify.Icon}
	}
	switch {
	case p.Title != nil:
		opts.Title = p.Title
	case cfg.Notify.Title:
		opts.Title = notify.NewTerminal(os.Stdout)
	}
	return notify.NewBridge(opts)
}

// badges fans the unread total out to several sinks.
type badges []store.Badge

func (bs badges) SetUnreadTotal(total int) {
	for _, b := range bs {
		b.SetUnreadTotal(total)
	}
}

func provideStore(b *bus.Bus, bridge *notify.Bridge, rec *metrics.Recorder, logger *zap.Logger) *store.Store {
	return store.New(store.Options{
		Bus:    b,
		Badge:  badges{bridge, rec},
		Logger: logger,
	})
}

func provideRemote(cfg *config.Config, rec *metrics.Recorder, logger *zap.Logger) *remote.Client {
	return remote.New(cfg.ServerURL, cfg.Token, remote.WithObserver(rec), remote.WithLogger(logger))
}

func provideSyncEngine(cfg *config.Config, st *store.Store, client *remote.Client, bridge *notify.Bridge, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Options{
		Store:     st,
		Remote:    client,
		Notifier:  bridge,
		Bus:       b,
		Logger:    logger,
		TypingTTL: cfg.TypingTTL.Duration,
		PageSize:  cfg.PageSize,
	})
}

func provideChannel(cfg *config.Config, tokens *remote.TokenSource, engine *intsync.Engine, m *status.Machine, b *bus.Bus, rec *metrics.Recorder, logger *zap.Logger) (*transport.Channel, error) {
	u, err := StreamURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	return transport.NewChannel(transport.Config{
		URL:                  u,
		AutoReconnect:        cfg.Transport.AutoReconnect,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		ReconnectInterval:    cfg.Transport.ReconnectInterval.Duration,
		HeartbeatInterval:    cfg.Transport.HeartbeatInterval.Duration,
	}, tokens, engine, m, b, logger, transport.WithMetrics(rec)), nil
}

func provideSender(st *store.Store, client *remote.Client, ch *transport.Channel, b *bus.Bus, rec *metrics.Recorder, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(st, client, ch, b, rec, logger)
}

func providePoller(cfg *config.Config, engine *intsync.Engine, logger *zap.Logger) *poll.Poller {
	return poll.New(poll.Config{
		Interval: cfg.Poll.Interval.Duration,
		Cooldown: cfg.Poll.Cooldown.Duration,
	}, engine.Refresh, logger)
}

func provideMirror(db *archive.DB, st *store.Store, b *bus.Bus, logger *zap.Logger) *archive.Mirror {
	return archive.NewMirror(db, st, b, logger)
}

func provideService(p Params, st *store.Store, engine *intsync.Engine, sender *outbox.Sender, ch *transport.Channel,
	db *archive.DB, client *remote.Client, poller *poll.Poller, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Options{
		SessionName: p.SessionName,
		Store:       st,
		Engine:      engine,
		Outbox:      sender,
		Connection:  ch,
		Archive:     db,
		Directory:   client,
		Visibility:  poller,
		Bus:         b,
		Logger:      logger,
	})
}

// StreamURL derives the WebSocket endpoint from the REST base URL.
func StreamURL(server string) (string, error) {
	if server == "" {
		return "", nil
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", server, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/im/ws"
	return u.String(), nil
}

type lifecycleDeps struct {
	fx.In

	Config  *config.Config
	Server  *Server
	Metrics *MetricsServer
	Lock    *lock.Lock
	Archive *archive.DB
	Mirror  *archive.Mirror
	Store   *store.Store
	Remote  *remote.Client
	Engine  *intsync.Engine
	Channel *transport.Channel
	Poller  *poll.Poller
	Bridge  *notify.Bridge
	Rec     *metrics.Recorder
	Bus     *bus.Bus
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	// Background work outlives the OnStart context; it is cancelled in OnStop.
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Mirror.Start(ctx)
			d.Engine.Start(ctx)
			followConnection(ctx, d.Bus, d.Rec)
			d.Bridge.SetOpen(func(convID string) {
				go func() {
					if err := d.Engine.OpenConversation(ctx, convID); err != nil {
						d.Logger.Warn("open from notification failed", zap.String("conversation_id", convID), zap.Error(err))
					}
				}()
			})

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			d.Metrics.Start()

			if d.Config.ServerURL == "" {
				d.Logger.Warn("no server_url configured, running offline")
				return nil
			}
			go bootstrap(ctx, d)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			d.Poller.Stop()
			d.Channel.Disconnect()
			d.Engine.Stop()
			d.Mirror.Stop()
			d.Server.Stop(stopCtx)
			err := multierr.Combine(
				d.Metrics.Stop(stopCtx),
				d.Archive.Close(),
				d.Lock.Release(),
			)
			if err != nil {
				d.Logger.Warn("shutdown finished with errors", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return err
		},
	})
}

// bootstrap identifies the local user, loads the conversation list and opens
// the stream. The poller starts regardless so unread counts stay fresh while
// the stream is down.
func bootstrap(ctx context.Context, d lifecycleDeps) {
	me, err := d.Remote.CurrentUser(ctx)
	if err != nil {
		d.Logger.Error("fetch current user failed", zap.Error(err))
	} else {
		d.Store.Reset(me.ID)
		d.Store.UpsertUsers(*me)
		d.Logger.Info("signed in", zap.String("user_id", me.ID))
	}
	if err := d.Engine.LoadConversations(ctx); err != nil {
		d.Logger.Warn("initial conversation load failed", zap.Error(err))
	}
	d.Channel.Connect()

	if d.Config.Poll.Interval.Duration < 0 {
		d.Logger.Info("polling disabled")
		return
	}
	d.Poller.Start(ctx)
	d.Poller.FollowVisibility(ctx, d.Bus)
}

func followConnection(ctx context.Context, b *bus.Bus, rec *metrics.Recorder) {
	all := []string{
		string(status.Disconnected), string(status.Connecting), string(status.Connected),
		string(status.Reconnecting), string(status.Error),
	}
	rec.ConnectionState(string(status.Disconnected), all)
	ch, unsub := b.Subscribe(bus.ConnectionStatusChanged, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if c, ok := evt.Payload.(status.StatusChange); ok {
					rec.ConnectionState(string(c.To), all)
				}
			}
		}
	}()
}
