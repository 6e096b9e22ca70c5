package common

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RunFile lists the runs (one per district) the daemon executes.
type RunFile struct {
	Defaults RunConfig   `yaml:"defaults" validate:"-"`
	Runs     []RunConfig `yaml:"runs" validate:"required,min=1,unique=RunID,dive"`
}

// RunConfig holds the recognized options of one run.
type RunConfig struct {
	RunID             string        `yaml:"run_id" validate:"required"`
	Source            SourceConfig  `yaml:"source"`
	Prompt            PromptConfig  `yaml:"prompt"`
	MaxBatchSize      int           `yaml:"max_batch_size" validate:"gte=0,lte=50000"`
	MaxBatchBytes     int64         `yaml:"max_batch_bytes" validate:"gte=0"`
	PollIntervalMin   time.Duration `yaml:"poll_interval_min" validate:"gte=0"`
	PollIntervalMax   time.Duration `yaml:"poll_interval_max" validate:"gte=0"`
	JobTimeout        time.Duration `yaml:"job_timeout" validate:"gte=0"`
	ResumeFromState   bool          `yaml:"resume_from_state"`
	CancelOnTimeout   bool          `yaml:"cancel_on_timeout"`
	CancelOnAbort     bool          `yaml:"cancel_remote_on_abort"`
	SubmitConcurrency int           `yaml:"submit_concurrency" validate:"gte=0"`
	OutputDir         string        `yaml:"output_dir"`
}

// SourceConfig describes the image population of a run.
type SourceConfig struct {
	CSVPath        string       `yaml:"csv_path"`
	IDColumn       string       `yaml:"id_column"`
	URLColumn      string       `yaml:"url_column"`
	Coordinates    []Coordinate `yaml:"coordinates" validate:"dive"`
	BBox           *BoundingBox `yaml:"bbox"`
	GridStep       float64      `yaml:"grid_step" validate:"gte=0"`
	StorageBaseURL string       `yaml:"storage_base_url" validate:"omitempty,url"`
	VerifyURLs     bool         `yaml:"verify_urls"`
}

// Coordinate is a latitude/longitude pair.
type Coordinate struct {
	Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `yaml:"lon" validate:"gte=-180,lte=180"`
}

// BoundingBox is sampled on a regular GridStep grid.
type BoundingBox struct {
	MinLat float64 `yaml:"min_lat" validate:"gte=-90,lte=90"`
	MinLon float64 `yaml:"min_lon" validate:"gte=-180,lte=180"`
	MaxLat float64 `yaml:"max_lat" validate:"gte=-90,lte=90,gtefield=MinLat"`
	MaxLon float64 `yaml:"max_lon" validate:"gte=-180,lte=180,gtefield=MinLon"`
}

// PromptConfig is the fixed prompt/schema template of a run.
type PromptConfig struct {
	SystemPromptFile string  `yaml:"system_prompt_file"`
	UserText         string  `yaml:"user_text"`
	Model            string  `yaml:"model"`
	Temperature      float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int     `yaml:"max_tokens" validate:"gte=0"`
	ImageDetail      string  `yaml:"image_detail" validate:"omitempty,oneof=low high auto"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadRunFile reads, defaults and validates a YAML run file.
func LoadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run file: %w", err)
	}
	var rf RunFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "parse run file", errors.Join(ErrInvalidInput, err))
	}
	for i := range rf.Runs {
		rf.Runs[i] = rf.Runs[i].Merge(rf.Defaults)
	}
	if err := validate.Struct(&rf); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "invalid run file", errors.Join(ErrValidation, err))
	}
	for _, rc := range rf.Runs {
		if err := rc.Validate(); err != nil {
			return nil, err
		}
	}
	return &rf, nil
}

// Merge fills every zero field of c from defaults and then from built-in defaults.
func (c RunConfig) Merge(defaults RunConfig) RunConfig {
	if c.Source.CSVPath == "" && len(c.Source.Coordinates) == 0 && c.Source.BBox == nil {
		c.Source.CSVPath = defaults.Source.CSVPath
		c.Source.Coordinates = defaults.Source.Coordinates
		c.Source.BBox = defaults.Source.BBox
	}
	c.Source.GridStep = firstNonZero(c.Source.GridStep, defaults.Source.GridStep)
	c.Source.IDColumn = firstNonZero(c.Source.IDColumn, defaults.Source.IDColumn)
	c.Source.URLColumn = firstNonZero(c.Source.URLColumn, defaults.Source.URLColumn)
	c.Source.StorageBaseURL = firstNonZero(c.Source.StorageBaseURL, defaults.Source.StorageBaseURL)
	if !c.Source.VerifyURLs {
		c.Source.VerifyURLs = defaults.Source.VerifyURLs
	}
	if c.Prompt == (PromptConfig{}) {
		c.Prompt = defaults.Prompt
	}
	c.MaxBatchSize = firstNonZero(c.MaxBatchSize, defaults.MaxBatchSize)
	c.MaxBatchBytes = firstNonZero(c.MaxBatchBytes, defaults.MaxBatchBytes)
	c.PollIntervalMin = firstNonZero(c.PollIntervalMin, defaults.PollIntervalMin)
	c.PollIntervalMax = firstNonZero(c.PollIntervalMax, defaults.PollIntervalMax)
	c.JobTimeout = firstNonZero(c.JobTimeout, defaults.JobTimeout)
	c.SubmitConcurrency = firstNonZero(c.SubmitConcurrency, defaults.SubmitConcurrency)
	c.OutputDir = firstNonZero(c.OutputDir, defaults.OutputDir)
	c.ResumeFromState = c.ResumeFromState || defaults.ResumeFromState
	c.CancelOnTimeout = c.CancelOnTimeout || defaults.CancelOnTimeout
	c.CancelOnAbort = c.CancelOnAbort || defaults.CancelOnAbort
	return c.WithDefaults()
}

// WithDefaults fills in built-in values for optional fields
func (c RunConfig) WithDefaults() RunConfig {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 50000
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = 200 * 1024 * 1024
	}
	if c.PollIntervalMin == 0 {
		c.PollIntervalMin = 30 * time.Second
	}
	if c.PollIntervalMax == 0 {
		c.PollIntervalMax = 10 * time.Minute
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 26 * time.Hour
	}
	if c.SubmitConcurrency == 0 {
		c.SubmitConcurrency = 4
	}
	if c.OutputDir == "" {
		c.OutputDir = "./data/inferences"
	}
	if c.Source.IDColumn == "" {
		c.Source.IDColumn = "nombre_foto"
	}
	if c.Source.URLColumn == "" {
		c.Source.URLColumn = "public_url"
	}
	return c
}

// Validate checks cross-field rules the struct tags cannot express.
func (c RunConfig) Validate() error {
	if err := validate.Struct(&c); err != nil {
		return NewAppError("CONFIG_ERROR", "invalid run "+c.RunID, errors.Join(ErrValidation, err))
	}
	var problems []string
	if c.Source.CSVPath == "" && len(c.Source.Coordinates) == 0 && c.Source.BBox == nil {
		problems = append(problems, "source needs csv_path, coordinates or bbox")
	}
	if c.Source.BBox != nil && c.Source.GridStep <= 0 {
		problems = append(problems, "bbox requires a positive grid_step")
	}
	if (len(c.Source.Coordinates) > 0 || c.Source.BBox != nil) && c.Source.StorageBaseURL == "" {
		problems = append(problems, "coordinate sources require storage_base_url")
	}
	if c.PollIntervalMax < c.PollIntervalMin {
		problems = append(problems, "poll_interval_max must be >= poll_interval_min")
	}
	if len(problems) > 0 {
		return NewAppError("CONFIG_ERROR", "invalid run "+c.RunID+": "+strings.Join(problems, "; "), ErrValidation)
	}
	return nil
}

func firstNonZero[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}
