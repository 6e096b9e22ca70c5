package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/repository"
)

// Service is a tiny façade over the run-state store that produces result
// exports: an XLSX workbook and the source rows merged with results as CSV.
type Service struct {
	store  repository.RunStateRepository
	logger *slog.Logger
}

func NewService(store repository.RunStateRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Row is one request item joined with its result.
type Row struct {
	Ref    entity.ImageReference
	Result entity.ResultRecord
}

// Rows joins the requests of st with their results, in request order. Items
// without a collected record are reported as missing.
func Rows(st *entity.RunState) []Row {
	rows := make([]Row, 0, len(st.Requests))
	for _, item := range st.Requests {
		rec, ok := st.Results[item.CorrelationID]
		if !ok {
			rec = entity.ResultRecord{
				CorrelationID: item.CorrelationID,
				Identifier:    item.Reference.Identifier,
				Status:        constants.ResultMissing,
				Error:         "results not collected",
			}
		}
		rows = append(rows, Row{Ref: item.Reference, Result: rec})
	}
	return rows
}

// ExportRunXLSX returns a workbook with a Results sheet (one row per image)
// and a Summary sheet with the status counts.
func (s *Service) ExportRunXLSX(ctx context.Context, runID string) ([]byte, error) {
	start := time.Now()
	st, err := s.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	rows := Rows(st)

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Identifier",
		"URL",
		"Lat",
		"Lon",
		"Status",
		"Safety Score",
		"Risk Level",
		"Hazards",
		"Positive Features",
		"Description",
		"Confidence",
		"Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range rows {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.Ref.Identifier)
		write(2, r.Ref.URL)
		if r.Ref.Lat != nil && r.Ref.Lon != nil {
			write(3, *r.Ref.Lat)
			write(4, *r.Ref.Lon)
		}
		write(5, string(r.Result.Status))
		if a := r.Result.Assessment; a != nil {
			write(6, a.SafetyScore)
			write(7, a.RiskLevel)
			write(8, strings.Join(a.Hazards, ", "))
			write(9, strings.Join(a.PositiveFeatures, ", "))
			write(10, truncate(a.Description, 300))
			if a.Confidence > 0 {
				write(11, a.Confidence)
			}
		}
		write(12, truncate(r.Result.Error, 300))
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 28) // identifier
	_ = f.SetColWidth(sheet, "B", "B", 60) // url
	_ = f.SetColWidth(sheet, "H", "I", 36) // hazards, positives
	_ = f.SetColWidth(sheet, "J", "J", 60) // description
	_ = f.SetColWidth(sheet, "L", "L", 48) // error

	if err := writeSummary(f, st, rows); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"run_id", runID,
		"rows", len(rows),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, st *entity.RunState, rows []Row) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	counts := map[constants.ResultStatus]int{}
	for _, r := range rows {
		counts[r.Result.Status]++
	}
	lines := [][2]any{
		{"Run", st.RunID},
		{"Phase", string(st.Phase)},
		{"Updated", st.UpdatedAt.UTC().Format(time.RFC3339)},
		{"Total", len(rows)},
		{"OK", counts[constants.ResultOK]},
		{"Schema errors", counts[constants.ResultSchemaError]},
		{"Missing", counts[constants.ResultMissing]},
		{"Unresolved references", len(st.ResolutionErrors)},
		{"Jobs", len(st.Jobs)},
	}
	for i, l := range lines {
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", i+1), l[0])
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", i+1), l[1])
	}
	_ = f.SetColWidth(sheet, "A", "A", 24)
	_ = f.SetColWidth(sheet, "B", "B", 32)
	return nil
}

// resultColumns are appended after the source columns of the merged CSV.
var resultColumns = []string{
	"correlation_id",
	"status",
	"safety_score",
	"risk_level",
	"hazards",
	"positive_features",
	"description",
	"confidence",
	"error",
	"job_handle",
	"result",
}

// WriteMergedCSV writes every source row of runID with its result columns.
func (s *Service) WriteMergedCSV(ctx context.Context, runID string, w io.Writer) error {
	st, err := s.store.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	rows := Rows(st)
	if err := WriteCSV(w, rows); err != nil {
		return err
	}
	s.logger.Info("export.csv.ok", "run_id", runID, "rows", len(rows))
	return nil
}

// WriteCSV writes rows with the base reference columns, the union of source
// attribute columns (sorted) and the result columns.
func WriteCSV(w io.Writer, rows []Row) error {
	attrSet := map[string]struct{}{}
	for _, r := range rows {
		for k := range r.Ref.Attributes {
			attrSet[k] = struct{}{}
		}
	}
	attrs := make([]string, 0, len(attrSet))
	for k := range attrSet {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	base := []string{
		constants.ColumnIdentifier,
		constants.ColumnURL,
		constants.ColumnLat,
		constants.ColumnLon,
		constants.ColumnCapturedAt,
		constants.ColumnTile,
	}
	header := append(append(append([]string{}, base...), attrs...), resultColumns...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, r.Ref.Identifier, r.Ref.URL, floatPtr(r.Ref.Lat), floatPtr(r.Ref.Lon))
		if r.Ref.CapturedAt.IsZero() {
			rec = append(rec, "")
		} else {
			rec = append(rec, r.Ref.CapturedAt.Format("2006-01-02"))
		}
		rec = append(rec, r.Ref.SourceTile)
		for _, k := range attrs {
			rec = append(rec, r.Ref.Attributes[k])
		}
		res := r.Result
		var score, risk, hazards, positives, desc, conf string
		if a := res.Assessment; a != nil {
			score = strconv.FormatFloat(a.SafetyScore, 'f', -1, 64)
			risk = a.RiskLevel
			hazards = strings.Join(a.Hazards, ";")
			positives = strings.Join(a.PositiveFeatures, ";")
			desc = a.Description
			if a.Confidence > 0 {
				conf = strconv.FormatFloat(a.Confidence, 'f', -1, 64)
			}
		}
		rec = append(rec, res.CorrelationID, string(res.Status), score, risk, hazards, positives, desc, conf,
			res.Error, res.JobHandle, string(res.Raw))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRunFiles writes results.xlsx and results.csv for runID under dir/<runID>/
// and returns their paths.
func (s *Service) WriteRunFiles(ctx context.Context, runID, dir string) ([]string, error) {
	outDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	xlsx, err := s.ExportRunXLSX(ctx, runID)
	if err != nil {
		return nil, err
	}
	xlsxPath := filepath.Join(outDir, "results.xlsx")
	if err := os.WriteFile(xlsxPath, xlsx, 0o644); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := s.WriteMergedCSV(ctx, runID, &buf); err != nil {
		return nil, err
	}
	csvPath := filepath.Join(outDir, "results.csv")
	if err := os.WriteFile(csvPath, buf.Bytes(), 0o644); err != nil {
		return nil, err
	}
	return []string{xlsxPath, csvPath}, nil
}

func floatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	// keep n-1 bytes for the ellipsis, cut on a rune boundary
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
