package app

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/you-humble/dicomproc/internal/audit"
	"github.com/you-humble/dicomproc/internal/domain"
	"github.com/you-humble/dicomproc/internal/infra/blob"
	"github.com/you-humble/dicomproc/internal/infra/config"
	"github.com/you-humble/dicomproc/internal/infra/lock"
	"github.com/you-humble/dicomproc/internal/infra/queue"
	"github.com/you-humble/dicomproc/internal/infra/store"
	mio "github.com/you-humble/dicomproc/internal/libs/minio"
	natsq "github.com/you-humble/dicomproc/internal/libs/nats"
	pgcli "github.com/you-humble/dicomproc/internal/libs/postgres"
	rediscli "github.com/you-humble/dicomproc/internal/libs/redis"
	"github.com/you-humble/dicomproc/internal/pipeline"
	"github.com/you-humble/dicomproc/internal/retention"
)

const (
	cfgPath    = "./configs/local.yaml"
	streamName = "DICOM_JOBS"
)

type Consumer interface {
	Run(ctx context.Context)
	Stop(ctx context.Context)
}

type Queue interface {
	EnqueueProcess(ctx context.Context, studyID int64, items []domain.BatchItem, callerID string) (string, error)
	EnqueueReport(ctx context.Context, patientID int64, callerID string) (string, error)
}

type BlobStore interface {
	Save(ctx context.Context, name string, content []byte) (string, error)
	Open(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	DeleteAll(ctx context.Context, names []string) error
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis  *redis.Client
	locker pipeline.Locker

	pool       *pgxpool.Pool
	studyStore *store.StudyStore
	imageStore *store.ImageStore
	jobStore   *store.JobStore
	auditStore *store.AuditStore

	blobStore BlobStore
	emitter   *audit.Emitter

	natsConn *nats.Conn
	js       nats.JetStreamContext

	orchestrator *pipeline.Orchestrator
	sweeper      *retention.Sweeper
	queue        Queue
	consumer     Consumer
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		path := cfgPath
		if env := os.Getenv("CONFIG_PATH"); env != "" {
			path = env
		}
		di.cfg = config.MustLoad(path)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(
			slog.NewTextHandler(
				os.Stdout,
				&slog.HandlerOptions{
					Level: slog.LevelInfo,
				},
			),
		)
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(rediscli.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("RedisClient: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) Locker(ctx context.Context) pipeline.Locker {
	if di.locker == nil {
		di.locker = lock.NewRedisLocker(di.RedisClient(ctx))
	}
	return di.locker
}

func (di *dependencyInjector) Pool(ctx context.Context) *pgxpool.Pool {
	if di.pool == nil {
		cfg := di.Config().Postgres
		pool, err := pgcli.NewPool(ctx, pgcli.Config{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			log.Fatalf("Postgres pool: %+v", err)
		}

		di.pool = pool
		di.Logger().Info("connected to postgres")
	}
	return di.pool
}

// MigrateSchema applies the embedded migrations before anything touches the
// pool.
func (di *dependencyInjector) MigrateSchema() error {
	dsn := di.Config().Postgres.DSN
	url := strings.Replace(dsn, "postgres://", "pgx5://", 1)
	return store.Migrate(url)
}

func (di *dependencyInjector) StudyStore(ctx context.Context) *store.StudyStore {
	if di.studyStore == nil {
		di.studyStore = store.NewStudyStore(di.Pool(ctx))
	}
	return di.studyStore
}

func (di *dependencyInjector) ImageStore(ctx context.Context) *store.ImageStore {
	if di.imageStore == nil {
		di.imageStore = store.NewImageStore(di.Pool(ctx))
	}
	return di.imageStore
}

func (di *dependencyInjector) JobStore(ctx context.Context) *store.JobStore {
	if di.jobStore == nil {
		di.jobStore = store.NewJobStore(di.Pool(ctx))
	}
	return di.jobStore
}

func (di *dependencyInjector) AuditStore(ctx context.Context) *store.AuditStore {
	if di.auditStore == nil {
		di.auditStore = store.NewAuditStore(di.Pool(ctx))
	}
	return di.auditStore
}

func (di *dependencyInjector) BlobStore(ctx context.Context) BlobStore {
	if di.blobStore == nil {
		cfg := di.Config().MinIO
		s, err := blob.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
			BasePath:        cfg.BasePath,
		})
		if err != nil {
			log.Fatalf("BlobStore minio: %+v", err)
		}

		di.blobStore = s
		di.Logger().Info(
			"initialized MinIO blob store",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("bucket", cfg.Bucket),
		)
	}
	return di.blobStore
}

func (di *dependencyInjector) Emitter(ctx context.Context) *audit.Emitter {
	if di.emitter == nil {
		di.emitter = audit.NewEmitter(di.AuditStore(ctx))
	}
	return di.emitter
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config()
		nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
			Name:          cfg.NATS.QueueName,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS
		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{cfg.Subject, cfg.ReportSubject},
			Storage:  nats.FileStorage,
			Replicas: 1,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Orchestrator(ctx context.Context) *pipeline.Orchestrator {
	if di.orchestrator == nil {
		cfg := di.Config()
		di.orchestrator = pipeline.NewOrchestrator(
			pipeline.Config{
				PipelineVersion: cfg.PipelineVersion,
				JPEGQuality:     cfg.JPEGQuality,
				LockTTL:         cfg.LockTTL,
			},
			di.Locker(ctx),
			di.StudyStore(ctx),
			di.ImageStore(ctx),
			di.JobStore(ctx),
			di.BlobStore(ctx),
			di.Emitter(ctx),
		)
	}
	return di.orchestrator
}

func (di *dependencyInjector) Sweeper(ctx context.Context) *retention.Sweeper {
	if di.sweeper == nil {
		cfg := di.Config().Retention
		di.sweeper = retention.NewSweeper(
			retention.Config{
				PeriodDays:       cfg.PeriodDays,
				PurgeInterval:    cfg.PurgeInterval,
				BackfillInterval: cfg.BackfillInterval,
				WatchdogInterval: cfg.WatchdogInterval,
				StuckAfter:       cfg.StuckAfter,
			},
			di.StudyStore(ctx),
			di.ImageStore(ctx),
			di.BlobStore(ctx),
			di.Emitter(ctx),
		)
	}
	return di.sweeper
}

func (di *dependencyInjector) Queue(ctx context.Context) Queue {
	if di.queue == nil {
		cfg := di.Config().NATS
		di.queue = queue.New(di.JetStream(ctx), cfg.Subject, cfg.ReportSubject)
	}
	return di.queue
}

func (di *dependencyInjector) Consumer(ctx context.Context) Consumer {
	if di.consumer == nil {
		cfg := di.Config()
		di.consumer = queue.NewConsumer(
			queue.ConsumerConfig{
				Stream:         streamName,
				Subject:        cfg.NATS.Subject,
				ReportSubject:  cfg.NATS.ReportSubject,
				Size:           cfg.PoolSize,
				MaxAttempts:    cfg.MaxAttempts,
				RetryBaseDelay: cfg.RetryBaseDelay,
				RetryMaxDelay:  cfg.RetryMaxDelay,
			},
			di.JetStream(ctx),
			di.Orchestrator(ctx),
		)
	}
	return di.consumer
}

func (di *dependencyInjector) Close(ctx context.Context) {
	if di.natsConn != nil {
		di.natsConn.Close()
	}
	if di.pool != nil {
		di.pool.Close()
	}
	if di.redis != nil {
		if err := di.redis.Close(); err != nil {
			slog.Warn("close redis", slog.String("error", err.Error()))
		}
	}
}
