package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/batch"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/llm"
	"github.com/bpalas/street-safety-vision/internal/llm/openai"
	"github.com/bpalas/street-safety-vision/internal/metrics"
	"github.com/bpalas/street-safety-vision/internal/repository"
	"github.com/bpalas/street-safety-vision/internal/source"
)

// NewProvider builds the OpenAI batch provider from process configuration.
func NewProvider(cfg common.LLMConfig, logger *slog.Logger) *openai.Client {
	return openai.NewClient(openai.Config{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		Endpoint:         cfg.Endpoint,
		CompletionWindow: cfg.CompletionWindow,
		Timeout:          cfg.Timeout,
	}, logger)
}

// Options are the per-invocation knobs that are not part of the run file.
type Options struct {
	Model   string // overrides prompt.model when set
	Confirm ConfirmFunc
	DryRun  bool
	Clock   batch.Clock
}

// Build wires one run: source, builder, submitter, tracker and collector
// around provider, persisting through store.
func Build(rc common.RunConfig, llmCfg common.LLMConfig, provider llm.Provider, store repository.RunStateRepository,
	logger *slog.Logger, m *metrics.Metrics, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = batch.RealClock()
	}

	resolver := source.NewResolver(rc.Source.StorageBaseURL, rc.Source.VerifyURLs, &http.Client{Timeout: 15 * time.Second}, logger)
	src, err := source.New(rc.Source, resolver, logger)
	if err != nil {
		return nil, err
	}

	hazards := constants.AsStringSlice()
	systemPrompt, err := llm.LoadSystemPrompt(rc.Prompt.SystemPromptFile, hazards)
	if err != nil {
		return nil, common.NewAppError("CONFIG_ERROR", "load system prompt", err)
	}
	model := rc.Prompt.Model
	if opts.Model != "" {
		model = opts.Model
	}
	if model == "" {
		model = llmCfg.Model
	}
	temperature := rc.Prompt.Temperature
	if temperature == 0 {
		temperature = constants.DefaultTemperature
	}
	schema := llm.BuildSafetyJSONSchema(hazards)
	validator, err := llm.NewValidator(schema)
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}

	builder := batch.NewBuilder(batch.Template{
		Model:        model,
		Temperature:  temperature,
		MaxTokens:    rc.Prompt.MaxTokens,
		ImageDetail:  rc.Prompt.ImageDetail,
		SystemPrompt: systemPrompt,
		UserText:     rc.Prompt.UserText,
		Schema:       schema,
	})
	submitter := batch.NewSubmitter(provider, batch.SubmitterConfig{
		Endpoint:      llmCfg.Endpoint,
		MaxBatchSize:  rc.MaxBatchSize,
		MaxBatchBytes: rc.MaxBatchBytes,
		Concurrency:   rc.SubmitConcurrency,
	}, logger, m, clock)
	tracker := batch.NewTracker(provider, batch.TrackerConfig{
		PollIntervalMin: rc.PollIntervalMin,
		PollIntervalMax: rc.PollIntervalMax,
		JobTimeout:      rc.JobTimeout,
		CancelOnTimeout: rc.CancelOnTimeout,
		CancelOnAbort:   rc.CancelOnAbort,
	}, logger, m, clock)
	collector := batch.NewCollector(provider, validator, logger, m)

	return NewOrchestrator(rc, Deps{
		Source:    src,
		Builder:   builder,
		Submitter: submitter,
		Tracker:   tracker,
		Collector: collector,
		Store:     store,
		Logger:    logger,
		Metrics:   m,
		Clock:     clock,
		Confirm:   opts.Confirm,
		DryRun:    opts.DryRun,
	}), nil
}
