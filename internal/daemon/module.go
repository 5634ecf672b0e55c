package daemon

import (
	"context"
	"os"

	"github.com/matheus3301/wppbot/internal/ai"
	"github.com/matheus3301/wppbot/internal/backup"
	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/config"
	"github.com/matheus3301/wppbot/internal/conn"
	"github.com/matheus3301/wppbot/internal/dedup"
	"github.com/matheus3301/wppbot/internal/lock"
	"github.com/matheus3301/wppbot/internal/logging"
	"github.com/matheus3301/wppbot/internal/marker"
	"github.com/matheus3301/wppbot/internal/media"
	"github.com/matheus3301/wppbot/internal/metrics"
	"github.com/matheus3301/wppbot/internal/outbox"
	"github.com/matheus3301/wppbot/internal/pending"
	"github.com/matheus3301/wppbot/internal/pipeline"
	"github.com/matheus3301/wppbot/internal/report"
	"github.com/matheus3301/wppbot/internal/search"
	"github.com/matheus3301/wppbot/internal/session"
	"github.com/matheus3301/wppbot/internal/status"
	"github.com/matheus3301/wppbot/internal/store"
	"github.com/matheus3301/wppbot/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Debug       bool
	ConfigPath  string // empty = ~/.wppbot/config.toml
	EnvPath     string // empty = ~/.wppbot/.env
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAdapter,
			provideCredentialStore,
			provideManager,
			provideAI,
			provideSearch,
			provideMarkers,
			provideResolver,
			provideSender,
			provideReporter,
			provideDownloader,
			providePipeline,
			provideDispatcher,
			provideBackup,
			provideMetrics,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path, env := p.ConfigPath, p.EnvPath
	if path == "" {
		path = session.ConfigPath()
	}
	if env == "" {
		env = session.EnvPath()
	}
	return config.LoadEffective(path, env)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so no database is opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAdapter(p Params, db *store.DB, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), session.SessionDBPath(p.SessionName), db, logger)
}

func provideCredentialStore(adapter *wa.Adapter, db *store.DB) *wa.CredentialStore {
	return wa.NewCredentialStore(adapter, db)
}

func provideManager(cfg *config.Config, adapter *wa.Adapter, cs *wa.CredentialStore, m *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	policy := conn.NewReconnectPolicy(conn.DefaultBaseInterval, conn.DefaultMaxAttempts)
	return conn.NewManager(adapter, cs, policy, m, b, conn.Options{
		AuthMethod:  conn.AuthMethod(cfg.Auth.Method),
		PhoneNumber: cfg.Auth.PhoneNumber,
		QRWriter:    os.Stdout,
	}, logger.Named("conn"))
}

func provideAI(cfg *config.Config, logger *zap.Logger) *ai.Client {
	return ai.NewClient(ai.Config{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Timeout:     cfg.AI.Timeout,
		MaxRetries:  uint64(max(cfg.AI.MaxRetries, 0)),
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}, logger.Named("ai"))
}

func provideSearch(cfg *config.Config, logger *zap.Logger) *search.Client {
	return search.NewClient(search.Config{
		BaseURL:    cfg.Search.BaseURL,
		APIKey:     cfg.Search.APIKey,
		NumResults: cfg.Search.NumResults,
		Timeout:    cfg.Search.Timeout,
	}, logger.Named("search"))
}

func provideMarkers(cfg *config.Config, completer *ai.Client, sc *search.Client, logger *zap.Logger) *marker.Protocol {
	var searcher marker.Searcher
	if sc.Configured() {
		searcher = sc
	}
	return marker.NewProtocol(completer, searcher, cfg.Search.Timeout, logger.Named("marker"))
}

func provideResolver(cfg *config.Config, adapter *wa.Adapter, completer *ai.Client, db *store.DB, logger *zap.Logger) *media.Resolver {
	vision := media.NewVisionReader(completer)
	vision.Model = cfg.AI.VisionModel
	readers := map[string]media.Reader{
		"image":    vision,
		"sticker":  vision,
		"document": media.NewTextReader(0),
	}
	return media.NewResolver(adapter, readers, media.NewStoreHistory(db), 0, logger.Named("media"))
}

func provideSender(db *store.DB, adapter *wa.Adapter, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, adapter, machine, b, logger.Named("outbox"))
}

func provideReporter(cfg *config.Config, sender *outbox.Sender, logger *zap.Logger) *report.Reporter {
	return report.New(sender, report.Options{
		OperatorJID:    cfg.Report.OperatorJID,
		BugCooldown:    cfg.Report.BugCooldown,
		ConfigCooldown: cfg.Report.ConfigCooldown,
	}, logger.Named("report"))
}

func provideDownloader(cfg *config.Config, logger *zap.Logger) *pending.YtDlp {
	return pending.NewYtDlp(cfg.Download.YtDlpPath, cfg.Download.MaxBytes, logger.Named("yt-dlp"))
}

type pipelineIn struct {
	fx.In

	Config     *config.Config
	DB         *store.DB
	Bus        *bus.Bus
	Completer  *ai.Client
	Markers    *marker.Protocol
	Resolver   *media.Resolver
	Sender     *outbox.Sender
	Reporter   *report.Reporter
	Downloader *pending.YtDlp
	Logger     *zap.Logger
}

func providePipeline(in pipelineIn) *pipeline.Pipeline {
	cfg := in.Config
	return pipeline.New(pipeline.Deps{
		Dedup: dedup.New(dedup.Options{
			IDTTL:         cfg.Dedup.IDTTL,
			ContentTTL:    cfg.Dedup.ContentTTL,
			ContentBucket: cfg.Dedup.ContentBucket,
		}),
		Store:      in.DB,
		Completer:  in.Completer,
		Markers:    in.Markers,
		Resolver:   in.Resolver,
		Outbox:     in.Sender,
		Reporter:   in.Reporter,
		Pending:    pending.NewTracker(cfg.Download.PendingTTL),
		Downloader: in.Downloader,
		Bus:        in.Bus,
	}, pipeline.Options{
		Persona:         cfg.Bot.Persona,
		HistoryLimit:    cfg.Bot.HistoryLimit,
		AITimeout:       cfg.AI.Timeout,
		DownloadTimeout: cfg.Download.Timeout,
		ReplyInGroups:   cfg.Bot.ReplyInGroups,
	}, in.Logger.Named("pipeline"))
}

func provideDispatcher(cfg *config.Config, p *pipeline.Pipeline, logger *zap.Logger) *pipeline.Dispatcher {
	return pipeline.NewDispatcher(p, cfg.Bot.Workers, logger.Named("dispatcher"))
}

// provideBackup returns nil when backups are disabled.
func provideBackup(p Params, cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*backup.Scheduler, error) {
	if !cfg.Backup.Enabled {
		return nil, nil
	}
	var uploader backup.Uploader
	if cfg.Backup.S3.Bucket != "" {
		u, err := backup.NewS3Uploader(context.Background(), cfg.Backup.S3)
		if err != nil {
			return nil, err
		}
		uploader = u
	}
	log := logger.Named("backup")
	job := backup.NewJob(db, session.BackupDir(p.SessionName), cfg.Backup.Keep, uploader, b, log)
	return backup.NewScheduler(job, cfg.Backup.Schedule, b, log)
}

func provideMetrics(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	return metrics.NewServer(cfg.Metrics.Addr, logger.Named("metrics"))
}

// provideServer binds the socket only after the lock is held.
func provideServer(p Params, _ *lock.Lock, m *status.Machine, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	return NewServer(p, m, b, logger.Named("grpc"))
}

type lifecycleIn struct {
	fx.In

	Config     *config.Config
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Bus        *bus.Bus
	Adapter    *wa.Adapter
	Manager    *conn.Manager
	Dispatcher *pipeline.Dispatcher
	Sender     *outbox.Sender
	Backup     *backup.Scheduler
	Metrics    *metrics.Server
	AI         *ai.Client
	Search     *search.Client
	Downloader *pending.YtDlp
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := in.Logger
	probeDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Inbound whatsmeow events feed the manager and the dispatcher.
			handler := wa.NewEventHandler(in.Manager, in.Dispatcher, in.Adapter, logger.Named("wa"))
			in.Adapter.RegisterEventHandler(handler.Handle)

			in.Dispatcher.Start(ctx)
			in.Sender.Start(ctx)
			if in.Backup != nil {
				in.Backup.Start(ctx)
			}
			in.Metrics.Start()

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			opened, unsub := in.Bus.Subscribe(bus.KindOpened, 4)
			go func() {
				defer close(probeDone)
				defer unsub()
				for {
					select {
					case <-opened:
						logCapabilities(probe(in.Config, in.AI, in.Search, in.Downloader), logger)
					case <-ctx.Done():
						return
					}
				}
			}()

			go in.Manager.Run(ctx)
			in.Manager.Start()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			in.Manager.Stop()
			in.Dispatcher.Stop()
			if in.Backup != nil {
				in.Backup.Stop()
			}
			in.Sender.Stop()
			cancel()
			<-probeDone
			in.Metrics.Stop(stopCtx)
			in.Server.Stop(stopCtx)
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
