package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/audit"
	"github.com/sagepilot/sagepilot/pkg/config"
	"github.com/sagepilot/sagepilot/pkg/costs"
	"github.com/sagepilot/sagepilot/pkg/deploy"
	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/generation"
	"github.com/sagepilot/sagepilot/pkg/guardrail"
	"github.com/sagepilot/sagepilot/pkg/memory"
	"github.com/sagepilot/sagepilot/pkg/policy"
	"github.com/sagepilot/sagepilot/pkg/provisioner"
	"github.com/sagepilot/sagepilot/pkg/retriever"
	"github.com/sagepilot/sagepilot/pkg/stores"
	"github.com/sagepilot/sagepilot/pkg/telemetry"
)

const (
	// pricingRegion serves the Price List API for every deployment region.
	pricingRegion = "us-east-1"

	shutdownTimeout = 30 * time.Second
)

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	aws    aws.Config

	store       *stores.SQLiteStore
	audit       *audit.Sink
	memory      *memory.Memory
	policies    *policy.Engine
	priceFile   *guardrail.FilePriceSource
	guardrail   *guardrail.Service
	provisioner *provisioner.SageMaker
	corpus      *retriever.Corpus
	pool        *engine.WorkerPool
	service     *deploy.Service
}

// newApp loads configuration and wires every component. The caller must
// call shutdown.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}

	if err := a.wire(ctx); err != nil {
		a.shutdown()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// Step 1: Cloud clients
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}
	a.aws = awsCfg
	runtime := sagemakerruntime.NewFromConfig(awsCfg)

	// Step 2: Durable store
	var (
		durable       engine.PlanStore
		memoryBackend memory.Backend
		auditBackend  audit.Backend
	)
	if cfg.Store.Path != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.store = store
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate store: %w", err)
		}
		durable, memoryBackend, auditBackend = store, store, store
	}

	a.audit = audit.NewSink(auditBackend, audit.DefaultBufferSize, a.logger)
	a.memory = memory.New(memoryBackend, memory.Config{Expiration: cfg.Memory.Expiration()}, a.logger)

	// Step 3: Guardrails and policies
	a.policies, err = policy.NewEngine(a.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	prices, err := a.priceSource()
	if err != nil {
		return err
	}
	a.guardrail = guardrail.NewService(a.logger, guardrail.Options{
		PriceSource:           prices,
		PolicyChecker:         guardrail.NewOPAChecker(a.policies, cfg.Policy.DryRun || !cfg.AWS.Execute),
		ApprovalCostThreshold: cfg.Guardrail.ApprovalCostThreshold,
		Metrics:               a.tel.Metrics,
	})

	// Step 4: Provisioning
	a.provisioner = provisioner.New(
		sagemaker.NewFromConfig(awsCfg),
		cloudwatch.NewFromConfig(awsCfg),
		sts.NewFromConfig(awsCfg),
		provisioner.Options{
			DryRun:            !cfg.AWS.Execute,
			ExecutionRoleARN:  cfg.AWS.ExecutionRoleARN,
			ExecutionRoleName: cfg.AWS.ExecutionRoleName,
			ContainerImage:    cfg.AWS.ContainerImage,
			ModelDataURL:      cfg.AWS.ModelDataURL,
			Metrics:           a.tel.Metrics,
		},
		a.logger,
	)

	// Step 5: Evidence and generation
	docs, err := a.documents()
	if err != nil {
		return err
	}
	a.corpus = retriever.NewCorpus(docs...)
	evidence := retriever.New(a.corpus, retriever.Options{
		Client:         runtime,
		EmbedEndpoint:  cfg.Retriever.EmbedEndpoint,
		RerankEndpoint: cfg.Retriever.RerankEndpoint,
	}, a.logger)

	var (
		steps   engine.StepGenerator
		configs engine.ConfigGenerator
	)
	if cfg.Generation.LLMEndpoint != "" {
		client, err := generation.NewClient(runtime, cfg.Generation.LLMEndpoint, a.logger)
		if err != nil {
			return err
		}
		gen := generation.NewGenerator(client, a.logger)
		steps, configs = gen, gen
	}

	// Step 6: Engine and lifecycle service
	planner := engine.NewPlanner(steps, a.memory, a.logger, engine.PlannerOptions{
		MaxIterations:    cfg.Engine.MaxIterations,
		MaxReplans:       cfg.Engine.MaxReplans,
		MaxStepReasoning: cfg.Engine.MaxStepReasoning,
		MaxPlanReasoning: cfg.Engine.MaxPlanReasoning,
	})
	executor := engine.NewStepExecutor(a.guardrail, a.provisioner, a.logger, engine.ExecutorOptions{
		StepTimeout:  cfg.Engine.StepTimeout,
		ReadyTimeout: cfg.Engine.ReadyTimeout,
	})
	monitor := engine.NewMonitor(cfg.Engine.MaxRetries, cfg.Engine.RetryDelay)
	a.pool = engine.NewWorkerPool(cfg.Engine.Workers, a.logger)

	var svc *deploy.Service
	orchestrator := engine.NewOrchestrator(planner, executor, monitor, engine.OrchestratorOptions{
		Retriever: evidence,
		Memory:    a.memory,
		Events:    a.tel.Events,
		Metrics:   a.tel.Metrics,
		Tracer:    a.tel.Tracer.Tracer(),
		Checkpoint: func(ctx context.Context, plan *engine.ExecutionPlan) {
			svc.Checkpoint(ctx, plan)
		},
		WaitForBackoff: true,
		Logger:         a.logger,
	})

	svc, err = deploy.NewService(deploy.Options{
		Repository:  engine.NewCachedRepository(durable, a.logger),
		Guardrail:   a.guardrail,
		Executor:    orchestrator,
		Workers:     a.pool,
		Assessor:    monitor,
		Retriever:   evidence,
		Generator:   configs,
		Provisioner: a.provisioner,
		Endpoints:   a.provisioner,
		Memory:      a.memory,
		Audit:       a.audit,
		Metrics:     a.tel.Metrics,
		Tracer:      a.tel.Tracer.Tracer(),
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	a.service = svc

	a.logger.Debug().
		Bool("dry_run", a.provisioner.DryRun()).
		Bool("durable", a.store != nil).
		Bool("llm", configs != nil).
		Int("documents", a.corpus.Len()).
		Msg("Components wired")
	return nil
}

func (a *app) priceSource() (guardrail.PriceSource, error) {
	switch a.cfg.Guardrail.PriceSource {
	case "file":
		source, err := guardrail.NewFilePriceSource(a.cfg.Guardrail.PriceFile, a.logger)
		if err != nil {
			return nil, err
		}
		a.priceFile = source
		return source, nil
	case "aws":
		client := pricing.NewFromConfig(a.aws, func(o *pricing.Options) {
			o.Region = pricingRegion
		})
		return guardrail.NewAWSPriceSource(client, a.cfg.AWS.Region), nil
	default:
		return nil, nil
	}
}

func (a *app) documents() ([]retriever.Document, error) {
	if a.cfg.Retriever.DocsDir == "" {
		return retriever.DefaultDocuments()
	}
	return retriever.LoadDir(a.cfg.Retriever.DocsDir)
}

// costReporter builds a Cost Explorer reporter. Only the spend command
// needs one.
func (a *app) costReporter() *costs.Reporter {
	return costs.NewReporter(costexplorer.NewFromConfig(a.aws), a.logger)
}

// instrument starts a traced CLI operation and puts telemetry in ctx.
func (a *app) instrument(ctx context.Context, operation string) *telemetry.InstrumentedContext {
	return telemetry.StartOperation(a.tel.WithContext(ctx), "cli."+operation)
}

// shutdown closes the app with a fresh deadline, so it still runs after
// the command context was cancelled.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.close(ctx)
}

// waitForJobs blocks until every queued execution has returned or ctx ends.
func (a *app) waitForJobs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains running jobs and flushes the audit queue, events and spans.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Shutdown(ctx))
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close(ctx))
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown was not clean")
	}
}
