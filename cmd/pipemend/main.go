// Package main provides the pipemend healing core service.
//
// The healing core consumes pipeline execution events, classifies failures,
// matches them against learned patterns, and runs corrective actions so that
// transient data and pipeline faults resolve without an operator paging in.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/correction"
	"github.com/pipemend-io/pipemend/internal/events"
	"github.com/pipemend-io/pipemend/internal/faults"
	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/inference"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/learning"
	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/patterns"
	"github.com/pipemend-io/pipemend/internal/rootcause"
	"github.com/pipemend-io/pipemend/internal/service"
	"github.com/pipemend-io/pipemend/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "pipemend"
)

//nolint:funlen // Wiring the full component graph is one linear sequence.
func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	settings, err := config.LoadSettings()
	if err != nil {
		logger.Error("Failed to load settings", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting pipemend healing core",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("environment", settings.Environment),
		slog.String("healing_mode", settings.HealingMode.String()),
		slog.Float64("confidence_threshold", settings.ConfidenceThreshold),
		slog.Int("healing_queue_depth", settings.HealingQueueDepth),
	)

	// Storage substrate: Postgres when DATABASE_URL is set, in-memory
	// otherwise. The in-memory fallback keeps local development and tests
	// runnable without a database, at the cost of durability.
	var (
		docs          storage.DocumentStore
		analytical    storage.AnalyticalStore
		exportEnabled bool
	)

	if config.GetEnvStr("DATABASE_URL", "") != "" {
		storageConfig := storage.LoadConfig()

		conn, err := storage.NewConnection(storageConfig)
		if err != nil {
			logger.Error("Failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}

		defer func() {
			_ = conn.Close() // Ensure connection closes on normal shutdown
		}()

		docStore, err := storage.NewPostgresDocumentStore(conn)
		if err != nil {
			logger.Error("Failed to create document store", slog.String("error", err.Error()))

			_ = conn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		analyticalStore, err := storage.NewPostgresAnalyticalStore(conn)
		if err != nil {
			logger.Error("Failed to create analytical store", slog.String("error", err.Error()))

			_ = conn.Close()
			os.Exit(1)
		}

		docs, analytical, exportEnabled = docStore, analyticalStore, true

		logger.Info("Document store initialized",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
			slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		)
	} else {
		docs = storage.NewMemoryDocumentStore()
		analytical = storage.NewMemoryAnalyticalStore()

		logger.Warn("DATABASE_URL not set, using in-memory stores",
			slog.String("note", "healing state will not survive a restart"),
		)
	}

	// Object store for correction artifacts and model artifacts.
	var objects storage.ObjectStore

	if root := config.GetEnvStr("OBJECT_STORE_PATH", ""); root != "" {
		fsObjects, err := storage.NewFSObjectStore(root)
		if err != nil {
			logger.Error("Failed to open object store", slog.String("error", err.Error()))
			os.Exit(1)
		}

		objects = fsObjects

		logger.Info("Object store initialized", slog.String("root", root))
	} else {
		objects = storage.NewMemoryObjectStore()

		logger.Warn("OBJECT_STORE_PATH not set, using in-memory object store")
	}

	// Metadata, lineage, and pattern substrate.
	metadataStore := metadata.NewStore(docs, analytical, metadata.StoreConfig{
		Environment: settings.Environment,
		Logger:      logger,
	})

	graph := lineage.NewGraph(docs, lineage.GraphConfig{Logger: logger})

	patternStore := patterns.NewStore(docs, patterns.StoreConfig{Logger: logger})

	patternCache, err := patterns.NewCache(patternStore, patterns.CacheConfig{Logger: logger})
	if err != nil {
		logger.Error("Failed to create pattern cache", slog.String("error", err.Error()))
		os.Exit(1)
	}

	learner := patterns.NewLearner(docs, patternStore, patternCache, patterns.LearnerConfig{
		MinOccurrences: settings.PatternMinOccurrences,
		Logger:         logger,
	})

	// Classification: rule-based fault classifier, optionally sharpened by
	// a local or remote model.
	model, guard, modelEndpoint := buildModelClient(logger)

	classifier := issues.NewClassifier(issues.ClassifierConfig{
		Faults: faults.NewClassifier(faults.ClassifierConfig{
			MaxRetryAttempts: settings.MaxRetryAttempts,
			Logger:           logger,
		}),
		Model:               model,
		ModelEndpoint:       modelEndpoint,
		ConfidenceThreshold: settings.ConfidenceThreshold,
		Logger:              logger,
	})

	analyzer := rootcause.NewAnalyzer(metadataStore, graph, rootcause.AnalyzerConfig{
		Window:     settings.RelatedEventWindow,
		GraphDepth: settings.CausalityGraphDepth,
		Logger:     logger,
	})

	// Correction engines, dispatched by issue category.
	adjusterPolicy, err := correction.LoadAdjusterPolicyFromEnv()
	if err != nil {
		logger.Error("Failed to load adjuster policy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engines := []correction.Engine{
		correction.NewDataCorrector(objects, correction.DataCorrectorConfig{Logger: logger}),
		correction.NewPipelineAdjuster(correction.PipelineAdjusterConfig{
			Policy: adjusterPolicy,
			Logger: logger,
		}),
		correction.NewResourceOptimizer(correction.ResourceOptimizerConfig{Logger: logger}),
	}

	// The healing loop and its intake.
	healingStore := healing.NewStore(docs, healing.StoreConfig{
		Patterns: patternStore,
		Lineage:  graph,
		Metadata: metadataStore,
	})

	orchestrator := healing.NewOrchestrator(healingStore, healing.OrchestratorConfig{
		Classifier:              classifier,
		Matcher:                 patterns.NewMatcher(patternCache, patterns.MatcherConfig{Logger: logger}),
		Patterns:                patternStore,
		Learner:                 learner,
		Analyzer:                analyzer,
		Engines:                 engines,
		Mode:                    settings.HealingMode,
		ApprovalBelowConfidence: settings.ApprovalRequiredBelowConfidence,
		ActionSuccessThreshold:  settings.ActionSuccessThreshold,
		MaxAttempts:             settings.MaxRecoveryAttempts,
		Logger:                  logger,
	})

	queue := healing.NewQueue(healing.QueueConfig{
		Orchestrator: orchestrator,
		Metadata:     metadataStore,
		Depth:        settings.HealingQueueDepth,
		Logger:       logger,
	})

	sweeper := healing.NewSweeper(healing.SweeperConfig{
		Store:           healingStore,
		OrphanTimeout:   settings.OrphanTimeout,
		ApprovalTimeout: settings.ApprovalTimeout,
		Logger:          logger,
	})

	// Learning: outcome feedback, and periodic retraining of the
	// classification model from it.
	feedback := learning.NewFeedbackCollector(docs, learning.CollectorConfig{
		Actions:   patternStore,
		Retention: settings.FeedbackRetention,
		Logger:    logger,
	})

	trainer := learning.NewModelTrainer(docs, learning.TrainerConfig{
		Feedback:  feedback,
		Knowledge: learning.NewKnowledgeBase(docs, learning.KnowledgeConfig{Logger: logger}),
		Objects:   objects,
		Guard:     guard,
		Window:    settings.FeedbackRetention,
		Logger:    logger,
	})

	// Event intake from the orchestration platform.
	var consumer *events.Consumer

	if config.GetEnvStr("KAFKA_BROKERS", "") != "" {
		consumerConfig := events.LoadConsumerConfig()
		consumerConfig.Logger = logger

		handler := events.NewHandler(events.HandlerConfig{
			Metadata: metadataStore,
			Intake:   queue,
			Logger:   logger,
		})

		consumer, err = events.NewConsumer(consumerConfig, handler)
		if err != nil {
			logger.Error("Failed to create event consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("Event intake initialized",
			slog.Any("brokers", consumerConfig.Brokers),
			slog.String("topic", consumerConfig.Topic),
			slog.String("group_id", consumerConfig.GroupID),
		)
	} else {
		logger.Warn("KAFKA_BROKERS not set, event intake disabled",
			slog.String("note", "only the operator surface will trigger healing"),
		)
	}

	scan, export, prune, train, shutdown := service.LoadLoopConfig()

	runtime, err := service.New(service.Config{
		Queue:           queue,
		Consumer:        consumer,
		Sweeper:         sweeper,
		Learner:         learner,
		Metadata:        metadataStore,
		ExportEnabled:   exportEnabled,
		Feedback:        feedback,
		Trainer:         trainer,
		ModelID:         config.GetEnvStr("MODEL_ID", "issue-classifier"),
		ScanInterval:    scan,
		ExportInterval:  export,
		PruneInterval:   prune,
		TrainInterval:   train,
		ShutdownTimeout: shutdown,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Failed to assemble runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := runtime.Start(); err != nil {
		logger.Error("Healing core exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Healing core shut down cleanly")
}

// buildModelClient assembles the classifier's model path from the inference
// configuration: a remote client, a local champion behind the model guard,
// or nothing when no model is configured. The guard is returned so the
// trainer can promote newly trained versions into it.
func buildModelClient(logger *slog.Logger) (inference.Client, *inference.ModelGuard, string) {
	cfg := inference.LoadConfig()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid inference configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.Mode == inference.ModeRemote {
		client, err := inference.NewRemoteClient(cfg)
		if err != nil {
			logger.Error("Failed to create remote inference client", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("Remote inference enabled", slog.String("endpoint", cfg.Endpoint))

		return client, nil, cfg.Endpoint
	}

	guard := inference.NewModelGuard(nil)

	if cfg.ArtifactPath == "" {
		logger.Info("No model artifact configured, classification is rule-based until training promotes a model")

		return guard, guard, ""
	}

	artifact, err := inference.LoadArtifact(cfg.ArtifactPath)
	if err != nil {
		logger.Error("Failed to load model artifact",
			slog.String("path", cfg.ArtifactPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	champion, err := inference.NewLocalModel(artifact)
	if err != nil {
		logger.Error("Failed to build local model", slog.String("error", err.Error()))
		os.Exit(1)
	}

	guard.Swap(champion)

	logger.Info("Local model loaded",
		slog.String("path", cfg.ArtifactPath),
		slog.String("model_id", artifact.ModelID),
		slog.String("version", artifact.Version),
	)

	return guard, guard, artifact.ModelID
}
