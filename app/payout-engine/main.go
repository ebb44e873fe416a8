package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrishield/payout-engine/api"
	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/consensus"
	"github.com/agrishield/payout-engine/engine"
	"github.com/agrishield/payout-engine/external/executor"
	"github.com/agrishield/payout-engine/external/kafka"
	"github.com/agrishield/payout-engine/external/policyapi"
	"github.com/agrishield/payout-engine/infrastructure/store/pebbledb"
	"github.com/agrishield/payout-engine/ingress"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/agrishield/payout-engine/payout"
	"github.com/agrishield/payout-engine/trigger"
	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const prefix = "AGRISHIELD_PAYOUT_ENGINE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		InternalStoreFolder string `conf:"default:store"`
		Server              struct {
			Port        int `conf:"default:8000"`
			MetricsPort int `conf:"default:9999"`
		}
		MetricsNamespace string `conf:"default:agrishield_payout_engine"`
		Broker           struct {
			BootstrapServers  []string `conf:"default:localhost:9092"`
			AuditTopic        string   `conf:"default:agrishield-audit-events"`
			ConfirmationTopic string   `conf:"default:agrishield-payout-confirmations"`
			ConsumeGroup      string   `conf:"default:payout-engine"`
		}
		PolicyService struct {
			BaseUrl     string        `conf:"default:http://localhost:8080"`
			Timeout     time.Duration `conf:"default:10s"`
			SnapshotTtl time.Duration `conf:"default:30s"`
		}
		Executor struct {
			BaseUrl string        `conf:"default:http://localhost:8090"`
			Timeout time.Duration `conf:"default:20s"`
		}
		Consensus struct {
			Quorum           int           `conf:"default:3"`
			DiseaseTolerance float64       `conf:"default:0.05"`
			YieldTolerance   float64       `conf:"default:0.03"`
			WeatherTolerance float64       `conf:"default:0.05"`
			RoundTimeout     time.Duration `conf:"default:10m"`
		}
		Payout struct {
			RetryBudget        int           `conf:"default:3"`
			RetryBackoff       time.Duration `conf:"default:30s"`
			ConfirmTimeout     time.Duration `conf:"default:5m"`
			HighValueThreshold int64         `conf:"default:1000000"`
		}
		Ingress struct {
			MaxSubmissionAge time.Duration `conf:"default:15m"`
			RedisAddr        string        `conf:"optional"`
			RateLimit        int           `conf:"default:60"`
			RateWindow       time.Duration `conf:"default:1m"`
		}
		TickInterval time.Duration `conf:"default:10s"`
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := pebbledb.NewStore(cfg.InternalStoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating store")
	}
	defer store.Close()

	kafkaMetrics := kprom.NewMetrics(cfg.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	producerClient, err := kgo.NewClient(
		kgo.WithHooks(kafkaMetrics),
		kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
		kgo.DefaultProduceTopic(cfg.Broker.AuditTopic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return errors.Wrap(err, "creating kafka producer client")
	}
	defer producerClient.Close()

	consumerClient, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
		kgo.ConsumeTopics(cfg.Broker.ConfirmationTopic),
		kgo.ConsumerGroup(cfg.Broker.ConsumeGroup),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return errors.Wrap(err, "creating kafka consumer client")
	}
	defer consumerClient.Close()

	m := metrics.NewMetrics(cfg.MetricsNamespace)
	auditLog := audit.NewPublisher(producerClient, store)

	policyClient := policyapi.NewCachedClient(
		policyapi.NewClient(cfg.PolicyService.BaseUrl, cfg.PolicyService.Timeout),
		cfg.PolicyService.SnapshotTtl)

	var limiter ingress.RateLimiter = ingress.NoopRateLimiter{}
	if cfg.Ingress.RedisAddr != "" {
		limiter = ingress.NewRedisRateLimiter(cfg.Ingress.RedisAddr, cfg.Ingress.RateLimit, cfg.Ingress.RateWindow)
	} else {
		log.Println("[WARN] main: no redis address configured, submission rate limiting disabled")
	}

	in := ingress.NewIngress(store, policyClient, ingress.NewEd25519Verifier(), limiter, auditLog,
		ingress.Config{MaxSubmissionAge: cfg.Ingress.MaxSubmissionAge}, sLogger, m)

	aggregator := consensus.NewAggregator(store, auditLog, consensus.Params{
		Quorum: cfg.Consensus.Quorum,
		Tolerance: consensus.Tolerance{
			Disease:       cfg.Consensus.DiseaseTolerance,
			YieldFraction: cfg.Consensus.YieldTolerance,
			Weather:       cfg.Consensus.WeatherTolerance,
		},
	}, cfg.Consensus.RoundTimeout, sLogger, m)

	evaluator := trigger.NewEvaluator(store, auditLog, sLogger, m)

	executorClient := executor.NewClient(cfg.Executor.BaseUrl, cfg.Executor.Timeout)
	ledger := payout.NewLedger(store, executorClient, auditLog, payout.Config{
		RetryBudget:        cfg.Payout.RetryBudget,
		RetryBackoff:       cfg.Payout.RetryBackoff,
		ConfirmTimeout:     cfg.Payout.ConfirmTimeout,
		HighValueThreshold: cfg.Payout.HighValueThreshold,
	}, sLogger, m)

	confirmations := kafka.NewConfirmationsClient(consumerClient)
	eng := engine.NewEngine(in, aggregator, evaluator, ledger, policyClient, store, confirmations,
		cfg.TickInterval, sLogger, m)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return eng.RunTicker(groupCtx)
	})
	group.Go(func() error {
		return eng.RunConfirmations(groupCtx)
	})

	serverErr := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		api.NewHandler(eng).Register(mux)
		log.Printf("main: Starting server on port [%d].", cfg.Server.Port)
		serverErr <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port), mux)
	}()

	metricsErr := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsErr <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), nil)
	}()

	groupErr := make(chan error, 1)
	go func() {
		groupErr <- group.Wait()
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			cancel()
			return nil
		case err := <-groupErr:
			return errors.Wrap(err, "pipeline error")
		case err := <-serverErr:
			return errors.Wrap(err, "server error")
		case err := <-metricsErr:
			return errors.Wrap(err, "metrics server error")
		}
	}
}
