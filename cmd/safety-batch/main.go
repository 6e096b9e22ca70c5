package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/core"
	"github.com/bpalas/street-safety-vision/internal/export"
	repo "github.com/bpalas/street-safety-vision/internal/repository"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	// Parse CLI flags
	var (
		runsFile   = flag.String("runs", "", "YAML run file (optional)")
		runName    = flag.String("run", "", "run_id to execute from --runs (defaults to the only run)")
		csvPath    = flag.String("csv", "", "image manifest CSV (nombre_foto, public_url, ...)")
		runID      = flag.String("run-id", "", "run identifier (defaults to a new UUID)")
		storageURL = flag.String("storage-url", "", "base URL used to resolve rows without public_url")
		model      = flag.String("model", "", "vision model override")
		outputDir  = flag.String("output-dir", "", "directory for exports and dry-run files")
		resume     = flag.Bool("resume", false, "resume from persisted run state")
		dryRun     = flag.Bool("dry-run", false, "build requests and write JSONL files without submitting")
		confirm    = flag.Bool("confirm", false, "ask before submitting to the provider")
		yes        = flag.Bool("yes", false, "never ask before submitting")
		xlsxOut    = flag.String("xlsx", "", "write the results workbook to this path")
		csvOut     = flag.String("csv-out", "", "write the merged results CSV to this path")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := common.LoadConfig()

	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	rc, err := resolveRun(*runsFile, *runName, *csvPath, *runID, *storageURL)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}
	if *outputDir != "" {
		rc.OutputDir = *outputDir
	}
	if *resume {
		rc.ResumeFromState = true
	}
	if err := rc.Validate(); err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}
	if !*dryRun {
		if err := cfg.Validate(); err != nil {
			printError("Error: %v\n", err)
			os.Exit(2)
		}
	}

	// Context with signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repo.NewRunStateRepository(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open state store", "kind", cfg.Store.Kind, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := core.Options{Model: *model, DryRun: *dryRun}
	if *confirm && !*yes {
		opts.Confirm = promptConfirm
	}
	provider := core.NewProvider(cfg.LLM, logger)
	orch, err := core.Build(rc, cfg.LLM, provider, store, logger, nil, opts)
	if err != nil {
		logger.Error("failed to set up run", "run_id", rc.RunID, "error", err)
		os.Exit(1)
	}

	report, runErr := orch.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if runErr == nil && !*dryRun {
		exportResults(context.WithoutCancel(ctx), store, logger, rc, *xlsxOut, *csvOut)
	}

	switch {
	case runErr == nil:
	case errors.Is(runErr, common.ErrRunCancelled):
		printError("Run %s cancelled; state saved, rerun with --resume to continue\n", rc.RunID)
		os.Exit(130)
	default:
		printError("Run %s failed: %v\n", rc.RunID, runErr)
		os.Exit(1)
	}
}

// resolveRun picks the run from a run file or builds one from flags.
func resolveRun(runsFile, runName, csvPath, runID, storageURL string) (common.RunConfig, error) {
	if runsFile != "" {
		rf, err := common.LoadRunFile(runsFile)
		if err != nil {
			return common.RunConfig{}, err
		}
		if runName == "" {
			if len(rf.Runs) != 1 {
				return common.RunConfig{}, fmt.Errorf("%s has %d runs, choose one with --run", runsFile, len(rf.Runs))
			}
			return rf.Runs[0], nil
		}
		for _, rc := range rf.Runs {
			if rc.RunID == runName {
				return rc, nil
			}
		}
		return common.RunConfig{}, fmt.Errorf("run %q not found in %s", runName, runsFile)
	}
	if csvPath == "" {
		return common.RunConfig{}, errors.New("--csv or --runs is required")
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return common.RunConfig{
		RunID: runID,
		Source: common.SourceConfig{
			CSVPath:        csvPath,
			StorageBaseURL: storageURL,
		},
	}.WithDefaults(), nil
}

func promptConfirm(_ context.Context, items, subBatches int) (bool, error) {
	fmt.Printf("About to submit %d images in %d batch job(s). Continue? (y/N): ", items, subBatches)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes" || answer == "s" || answer == "si", nil
}

func exportResults(ctx context.Context, store repo.RunStateRepository, logger *slog.Logger, rc common.RunConfig, xlsxOut, csvOut string) {
	svc := export.NewService(store, logger)
	paths, err := svc.WriteRunFiles(ctx, rc.RunID, rc.OutputDir)
	if err != nil {
		logger.Error("failed to export results", "run_id", rc.RunID, "error", err)
		return
	}
	if xlsxOut != "" {
		if b, err := svc.ExportRunXLSX(ctx, rc.RunID); err != nil {
			logger.Error("failed to export workbook", "error", err)
		} else if err := os.WriteFile(xlsxOut, b, 0o644); err != nil {
			logger.Error("failed to write workbook", "path", xlsxOut, "error", err)
		} else {
			paths = append(paths, xlsxOut)
		}
	}
	if csvOut != "" {
		if f, err := os.Create(csvOut); err != nil {
			logger.Error("failed to create csv", "path", csvOut, "error", err)
		} else {
			if err := svc.WriteMergedCSV(ctx, rc.RunID, f); err != nil {
				logger.Error("failed to write csv", "path", csvOut, "error", err)
			}
			f.Close()
			paths = append(paths, csvOut)
		}
	}
	for _, p := range paths {
		fmt.Printf("- Output: %s\n", p)
	}
}
