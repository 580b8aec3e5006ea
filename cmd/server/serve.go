package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"medscribe/internal/agent"
	"medscribe/internal/audit"
	"medscribe/internal/config"
	"medscribe/internal/consultation"
	"medscribe/internal/errors"
	"medscribe/internal/ingest"
	"medscribe/internal/lock"
	"medscribe/internal/logging"
	"medscribe/internal/metrics"
	"medscribe/internal/platform/kafka"
	"medscribe/internal/platform/postgres"
	"medscribe/internal/platform/telegram"
	"medscribe/internal/platform/telemetry"
	"medscribe/internal/report"
	"medscribe/internal/retry"
	"medscribe/internal/usage"
	"medscribe/internal/worker"
)

func serveCommand(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pipeline workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg())
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	return cmd
}

// stores groups the persistence backends chosen by configuration.
type stores struct {
	repo      consultation.Repository
	usage     usage.Store
	artifacts consultation.ArtifactStore
	audio     ingest.Store
	locker    lock.Locker
}

func openStores(cfg *config.Config, db *sql.DB, m *metrics.Metrics) (stores, error) {
	var s stores
	if db != nil {
		s.repo = consultation.NewRepository(db)
		s.usage = usage.NewPostgresStore(db)
		s.artifacts = report.NewPostgresStore(db)
	} else {
		s.repo = consultation.NewMemoryRepository()
		s.usage = usage.NewMemoryStore()
		s.artifacts = report.NewMemoryStore()
	}

	if cfg.Ingest.AudioDir != "" {
		fs, err := ingest.NewFileStore(cfg.Ingest.AudioDir)
		if err != nil {
			return s, err
		}
		s.audio = fs
	} else {
		s.audio = ingest.NewMemoryStore()
	}

	if cfg.Lock.Backend == "postgres" {
		s.locker = lock.NewAdvisoryLocker(db, cfg.Lock.Wait, m)
	} else {
		s.locker = lock.NewManager(cfg.Lock.Wait, m)
	}
	return s, nil
}

type providers struct {
	transcriber consultation.Transcriber
	extractor   consultation.Extractor
	synthesizer consultation.Synthesizer
}

func openProviders(ctx context.Context, cfg *config.Config) (providers, error) {
	p := cfg.Providers
	openai := func() *agent.OpenAIClient {
		return agent.NewOpenAIClient(agent.OpenAIConfig{
			APIKey:            p.OpenAI.APIKey,
			BaseURL:           p.OpenAI.BaseURL,
			Model:             p.OpenAI.Model,
			TranscribeModel:   p.OpenAI.TranscribeModel,
			RequestsPerSecond: p.OpenAI.RequestsPerSecond,
		})
	}

	var out providers
	switch p.Transcription {
	case "whisper":
		out.transcriber = openai()
	default:
		out.transcriber = agent.NewAssemblyAIClient(agent.AssemblyAIConfig{
			APIKey:            p.AssemblyAI.APIKey,
			BaseURL:           p.AssemblyAI.BaseURL,
			RequestsPerSecond: p.AssemblyAI.RequestsPerSecond,
			PollInterval:      p.AssemblyAI.PollInterval,
		})
	}

	var llm agent.LLM
	switch p.Language {
	case "gemini":
		g, err := agent.NewGeminiClient(ctx, agent.GeminiConfig{
			APIKey:            p.Gemini.APIKey,
			BaseURL:           p.Gemini.BaseURL,
			Model:             p.Gemini.Model,
			RequestsPerSecond: p.Gemini.RequestsPerSecond,
		})
		if err != nil {
			return out, err
		}
		llm = g
	default:
		llm = openai()
	}
	out.extractor = agent.NewExtractor(llm)
	out.synthesizer = agent.NewSynthesizer(llm)
	return out, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(ctx).WithField("component", "server")

	if cfg.Sentry.DSN != "" {
		reporter, err := telemetry.NewSentryReporter(telemetry.Options{
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     "medscribe@" + version,
		})
		if err != nil {
			return err
		}
		errors.SetReporter(reporter)
		defer reporter.Flush(2 * time.Second)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(ctx, cfg.Database.URL); err != nil {
				return err
			}
		}
		db, err = postgres.Open(ctx, postgres.Options{
			URL:          cfg.Database.URL,
			Attempts:     cfg.Database.ConnectAttempts,
			Delay:        cfg.Database.ConnectDelay,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		})
		if err != nil {
			return err
		}
		defer db.Close()
	} else {
		logger.Warnf("database.url is empty, consultations are kept in memory only")
	}

	st, err := openStores(cfg, db, m)
	if err != nil {
		return err
	}
	prov, err := openProviders(ctx, cfg)
	if err != nil {
		return err
	}

	recorderOpts := []usage.Option{
		usage.WithObserver(m),
		usage.WithMonthlyBudget(cfg.Usage.MonthlyBudget),
	}
	var stream audit.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		auditPub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		usagePub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.UsageTopic)
		defer auditPub.Close()
		defer usagePub.Close()
		stream = audit.NewStreamSink(auditPub)
		recorderOpts = append(recorderOpts, usage.WithPublisher(usagePub))
	}
	recorder := usage.NewRecorder(st.usage, recorderOpts...)

	var deliverer consultation.Deliverer
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		deliverer = report.NewTelegramDeliverer(telegram.NewClient(cfg.Telegram.Token), cfg.Telegram.ChatID)
	}

	pool := worker.NewPool(cfg.Worker.Size, cfg.Worker.Queue)
	pool.Start(context.WithoutCancel(ctx))

	engine := consultation.NewEngine(consultation.Deps{
		Repo:        st.repo,
		Locker:      st.locker,
		Audio:       st.audio,
		Transcriber: prov.transcriber,
		Extractor:   prov.extractor,
		Synthesizer: prov.synthesizer,
		Usage:       recorder,
		Pricing: usage.Pricing{
			PerAudioMinute: cfg.Pricing.TranscriptionPerMinute,
			InputPer1K:     cfg.Pricing.InputPer1K,
			OutputPer1K:    cfg.Pricing.OutputPer1K,
		},
		Renderer:   report.NewRenderer(cfg.Report.FontPaths),
		Artifacts:  st.artifacts,
		Deliverer:  deliverer,
		Stream:     stream,
		Jobs:       pool,
		SubmitWait: cfg.Worker.SubmitTimeout,
		Policy: retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelay:   cfg.Retry.InitialDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			Multiplier:     cfg.Retry.Multiplier,
			AttemptTimeout: cfg.Retry.AttemptTimeout,
		},
		Observer: m,
	})

	formats := make([]ingest.Format, 0, len(cfg.Ingest.Formats))
	for _, f := range cfg.Ingest.Formats {
		formats = append(formats, ingest.Format(f))
	}
	adapter := ingest.NewAdapter(
		ingest.Limits{MaxBytes: cfg.Ingest.MaxBytes, MaxDuration: cfg.Ingest.MaxDuration, Formats: formats},
		ingest.Prober{FFprobePath: cfg.Ingest.FFprobePath},
		ingest.Normalizer{FFmpegPath: cfg.Ingest.FFmpegPath},
		st.audio,
	)
	svc := consultation.NewService(engine, adapter, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthHandler(db))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, consultation.NewHandler(svc, cfg.Ingest.MaxBytes, cfg.Lock.Wait))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		recorder.Run(gctx, cfg.Usage.FlushInterval)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.SetQueueDepth(pool.Pending())
			}
		}
	})
	g.Go(func() error {
		logger.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer done()
		logger.Infof("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("http shutdown: %v", err)
		}
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Warnf("worker pool stopped before draining, interrupted consultations resume on restart: %v", err)
		}
		return nil
	})

	if n, err := svc.Resume(ctx); err != nil {
		logger.Errorf("resume processing consultations: %v", err)
	} else if n > 0 {
		m.SetQueueDepth(pool.Pending())
	}

	err = g.Wait()

	// jobs drained after the recorder loop stopped still hold ledger deltas
	flushCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	if ferr := recorder.Flush(flushCtx); ferr != nil {
		logger.Errorf("final usage flush failed, %d records unsaved: %v", recorder.Backlog(), ferr)
	}
	return err
}

func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				status, code = "database unavailable", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "version": version})
	}
}
