package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/smartgrader/internal/events"
	"github.com/pavelanni/smartgrader/internal/extract"
	"github.com/pavelanni/smartgrader/internal/grading"
	"github.com/pavelanni/smartgrader/internal/handler"
	appI18n "github.com/pavelanni/smartgrader/internal/i18n"
	"github.com/pavelanni/smartgrader/internal/ingest"
	"github.com/pavelanni/smartgrader/internal/llm"
	"github.com/pavelanni/smartgrader/internal/llm/prompts"
	"github.com/pavelanni/smartgrader/internal/lock"
	"github.com/pavelanni/smartgrader/internal/metrics"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/storage"
	"github.com/pavelanni/smartgrader/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "smartgrader.db", "SQLite database path")
	addLLMFlags(cmd)
	addExtractFlags(cmd)
	f.StringP("lang", "l", "en", "Default UI language (en, fr, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grader)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.StringSlice("allowed-origins", nil, "Origins allowed to call the API cross-site")
	f.Int64("max-upload-mb", 20, "Maximum upload size in megabytes")
	f.Float64("default-points", 10, "Points for questions without inline points")
	f.Bool("auto-grade", true, "Start grading as soon as a student submits")
	f.String("admin-password", "", "Initial moderator password (or set SMARTGRADER_ADMIN_PASSWORD)")

	f.String("storage", "fs", "Document storage backend (fs, minio)")
	f.String("storage-dir", "uploads", "Directory for the fs storage backend")
	f.String("minio-endpoint", "localhost:9000", "MinIO endpoint")
	f.String("minio-access-key", "", "MinIO access key")
	f.String("minio-secret-key", "", "MinIO secret key")
	f.String("minio-bucket", "smartgrader", "MinIO bucket")
	f.Bool("minio-ssl", false, "Use TLS for MinIO")

	f.String("redis-url", "", "Redis URL for cross-instance grading locks (empty = in-process)")
	f.String("events", "none", "Event publisher (none, gochannel, kafka)")
	f.StringSlice("kafka-brokers", []string{"localhost:9092"}, "Kafka brokers for the kafka publisher")
	f.String("events-topic", events.DefaultTopic, "Topic for lifecycle events")
	f.Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight requests and grading on shutdown")
	addLogFlags(cmd)
	return cmd
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for one grading request")
	f.Int("llm-rpm", 0, "Maximum grading requests per minute (0 = unlimited)")
	f.Int("llm-attempts", 3, "Attempts per answer before falling back to heuristic grading")
	f.Duration("llm-backoff", 2*time.Second, "Initial delay between attempts, doubled each retry")
	f.Bool("llm-check", true, "Check the LLM endpoint on startup")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("unmatched-policy", string(grading.UnmatchedReview), "Answers that cannot be matched (review, empty)")
	f.String("all-failed-policy", string(grading.AllFailedComplete), "Status when the LLM failed for every answer (complete, fail)")
	f.Int("grading-concurrency", 4, "Parallel submissions during bulk re-evaluation")
	f.Duration("grading-timeout", 15*time.Minute, "Time limit for one grading pass")
}

func addExtractFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("tesseract", "tesseract", "Path to the tesseract binary used for image OCR")
	f.String("ocr-lang", "eng", "Tesseract language codes, e.g. eng+fra")
	f.String("question-extraction", "model", "How exam questions are found (model, regex); model falls back to regex")
}

// newProcessor builds the exam processor, asking the model for questions
// when question-extraction is "model".
func newProcessor(v *viper.Viper, db *store.Store, blobs storage.BlobStore, client *llm.Client, pub events.Publisher) (*ingest.Processor, error) {
	proc := ingest.NewProcessor(db, blobs, newExtractor(v), pub, v.GetFloat64("default-points"))
	switch mode := v.GetString("question-extraction"); mode {
	case "model":
		proc.WithModel(client)
	case "regex":
	default:
		return nil, fmt.Errorf("unknown question-extraction %q", mode)
	}
	return proc, nil
}

func newExtractor(v *viper.Viper) *extract.Extractor {
	return extract.New(extract.Config{
		TesseractPath: v.GetString("tesseract"),
		OCRLanguage:   v.GetString("ocr-lang"),
	})
}

func promptVariant(v *viper.Viper) prompts.PromptVariant {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		return prompts.PromptStandard
	}
	return prompts.PromptVariant(variant)
}

// newLLMClient builds the model client shared by grading and question
// extraction.
func newLLMClient(ctx context.Context, v *viper.Viper) (*llm.Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	client := llm.New(llm.Config{
		BaseURL:           v.GetString("llm-url"),
		APIKey:            v.GetString("llm-key"),
		Model:             v.GetString("llm-model"),
		Timeout:           v.GetDuration("llm-timeout"),
		RequestsPerMinute: v.GetInt("llm-rpm"),
	})
	if v.GetBool("llm-check") {
		if err := client.Ping(ctx); err != nil {
			// Grading still works through the fallback heuristic.
			slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", client.Model())
		}
	}
	return client, nil
}

// newManager wires the grading pipeline shared by serve and regrade.
func newManager(v *viper.Viper, db *store.Store, client *llm.Client, locker lock.Locker, pub events.Publisher, m *metrics.Metrics) (*grading.Manager, error) {
	unmatched := grading.UnmatchedPolicy(v.GetString("unmatched-policy"))
	if unmatched != grading.UnmatchedReview && unmatched != grading.UnmatchedEmpty {
		return nil, fmt.Errorf("unknown unmatched-policy %q", unmatched)
	}
	allFailed := grading.AllFailedPolicy(v.GetString("all-failed-policy"))
	if allFailed != grading.AllFailedComplete && allFailed != grading.AllFailedFail {
		return nil, fmt.Errorf("unknown all-failed-policy %q", allFailed)
	}

	grader := grading.NewGrader(client, v.GetInt("llm-attempts"), v.GetDuration("llm-backoff"), m)
	return grading.NewManager(db, grader, locker, pub, m, grading.Config{
		PromptVariant:   promptVariant(v),
		UnmatchedPolicy: unmatched,
		AllFailedPolicy: allFailed,
		Concurrency:     v.GetInt("grading-concurrency"),
		PassTimeout:     v.GetDuration("grading-timeout"),
	}), nil
}

func newBlobStore(ctx context.Context, v *viper.Viper) (storage.BlobStore, error) {
	switch v.GetString("storage") {
	case "fs", "":
		return storage.NewFS(v.GetString("storage-dir"))
	case "minio":
		return storage.NewMinIO(ctx, storage.MinIOConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			Bucket:    v.GetString("minio-bucket"),
			UseSSL:    v.GetBool("minio-ssl"),
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", v.GetString("storage"))
}

func newLocker(ctx context.Context, v *viper.Viper) (lock.Locker, func(), error) {
	url := v.GetString("redis-url")
	if url == "" {
		return lock.NewMemory(), func() {}, nil
	}
	client, err := lock.Connect(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using redis grading locks")
	return lock.NewRedis(client, "smartgrader:lock:"), func() { client.Close() }, nil
}

func newPublisher(v *viper.Viper) (events.Publisher, error) {
	logger := slog.Default()
	topic := v.GetString("events-topic")
	switch v.GetString("events") {
	case "none", "":
		return events.Nop{}, nil
	case "gochannel":
		return events.NewWatermill(events.NewGoChannel(logger), topic, logger), nil
	case "kafka":
		return events.NewKafka(v.GetStringSlice("kafka-brokers"), topic, logger)
	}
	return nil, fmt.Errorf("unknown events publisher %q", v.GetString("events"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if n, err := db.CleanupExpiredSessions(); err != nil {
		slog.Warn("failed to clean up sessions", "error", err)
	} else if n > 0 {
		slog.Info("removed expired sessions", "count", n)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	blobs, err := newBlobStore(ctx, v)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	locker, closeLocker, err := newLocker(ctx, v)
	if err != nil {
		return fmt.Errorf("connect lock backend: %w", err)
	}
	defer closeLocker()
	pub, err := newPublisher(v)
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	defer pub.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client, err := newLLMClient(ctx, v)
	if err != nil {
		return err
	}
	mgr, err := newManager(v, db, client, locker, pub, m)
	if err != nil {
		return err
	}
	proc, err := newProcessor(v, db, blobs, client, pub)
	if err != nil {
		return err
	}

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := handler.New(db, mgr, proc, blobs, model.ServerConfig{
		BasePath:       basePath,
		SecureCookies:  v.GetBool("secure-cookies"),
		MaxUploadBytes: v.GetInt64("max-upload-mb") << 20,
		DefaultPoints:  v.GetFloat64("default-points"),
		AutoGrade:      v.GetBool("auto-grade"),
		AllowedOrigins: v.GetStringSlice("allowed-origins"),
		Language:       lang,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Handle("/metrics", metrics.Handler(reg))

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		r.Group(h.Routes)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"storage", v.GetString("storage"),
			"events", v.GetString("events"),
			"base_path", basePath,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("grading passes still running at shutdown")
	}
	return nil
}
