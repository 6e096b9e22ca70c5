package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
)

const metadataKeyIdempotency = "idempotency_key"

type batchObject struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	InputFileID   string            `json:"input_file_id"`
	OutputFileID  string            `json:"output_file_id"`
	ErrorFileID   string            `json:"error_file_id"`
	Metadata      map[string]string `json:"metadata"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

type batchList struct {
	Data    []batchObject `json:"data"`
	HasMore bool          `json:"has_more"`
	LastID  string        `json:"last_id"`
}

// Submit uploads the JSONL payload as a batch input file and creates the batch job.
func (c *Client) Submit(ctx context.Context, req llm.SubmitRequest) (string, error) {
	start := time.Now()
	c.log.Info("openai.batch.submit.start",
		"run_id", req.RunID,
		"sub_batch", req.SubBatch,
		"items", req.ItemCount,
		"bytes", len(req.Payload),
	)

	fileID, err := c.uploadBatchFile(ctx, fmt.Sprintf("%s-%03d.jsonl", req.RunID, req.SubBatch), req.Payload)
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          c.cfg.Endpoint,
		"completion_window": c.cfg.CompletionWindow,
		"metadata": map[string]string{
			"run_id":               req.RunID,
			"sub_batch":            strconv.Itoa(req.SubBatch),
			metadataKeyIdempotency: req.IdempotencyKey,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal batch request: %w", err)
	}
	headers := c.headers()
	headers["Idempotency-Key"] = req.IdempotencyKey

	raw, _, err := llm.Send(ctx, c.http, http.MethodPost, c.url("/batches"), body, headers, c.log)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	var b batchObject
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", fmt.Errorf("decode batch: %w", err)
	}
	if b.ID == "" {
		return "", errors.New("create batch: response has no id")
	}

	c.log.Info("openai.batch.submit.ok",
		"run_id", req.RunID,
		"sub_batch", req.SubBatch,
		"batch_id", b.ID,
		"input_file_id", fileID,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b.ID, nil
}

// PollStatus retrieves the batch and maps its status onto the job lifecycle.
func (c *Client) PollStatus(ctx context.Context, handle string) (llm.StatusReport, error) {
	b, err := c.getBatch(ctx, handle)
	if err != nil {
		return llm.StatusReport{}, err
	}
	return llm.StatusReport{
		Status:    MapStatus(b.Status),
		RawStatus: b.Status,
		Progress: entity.Progress{
			Total:     b.RequestCounts.Total,
			Completed: b.RequestCounts.Completed,
			Failed:    b.RequestCounts.Failed,
		},
		OutputRef: b.OutputFileID,
		ErrorRef:  b.ErrorFileID,
	}, nil
}

// FetchResults downloads the output and error files of a batch and flattens them
// into (correlation ID, payload) pairs.
func (c *Client) FetchResults(ctx context.Context, handle string) ([]llm.Output, error) {
	b, err := c.getBatch(ctx, handle)
	if err != nil {
		return nil, err
	}
	var outs []llm.Output
	for _, fileID := range []string{b.OutputFileID, b.ErrorFileID} {
		if fileID == "" {
			continue
		}
		raw, _, err := llm.Send(ctx, c.http, http.MethodGet, c.url("/files/"+url.PathEscape(fileID)+"/content"), nil, c.headers(), c.log)
		if err != nil {
			return nil, fmt.Errorf("download file %s: %w", fileID, err)
		}
		parsed, err := ParseOutputJSONL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse file %s: %w", fileID, err)
		}
		outs = append(outs, parsed...)
	}
	c.log.Info("openai.batch.fetch.ok", "batch_id", handle, "outputs", len(outs),
		"output_file_id", b.OutputFileID, "error_file_id", b.ErrorFileID)
	return outs, nil
}

// Cancel requests cancellation of a running batch.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	_, _, err := llm.Send(ctx, c.http, http.MethodPost, c.url("/batches/"+url.PathEscape(handle)+"/cancel"), []byte("{}"), c.headers(), c.log)
	if err != nil {
		return fmt.Errorf("cancel batch %s: %w", handle, err)
	}
	c.log.Warn("openai.batch.cancel.requested", "batch_id", handle)
	return nil
}

// FindByIdempotencyKey scans the most recent batches for one carrying key in its metadata.
func (c *Client) FindByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	after := ""
	for page := 0; page < c.cfg.LookbackPages; page++ {
		q := url.Values{"limit": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		raw, _, err := llm.Send(ctx, c.http, http.MethodGet, c.url("/batches?"+q.Encode()), nil, c.headers(), c.log)
		if err != nil {
			return "", false, fmt.Errorf("list batches: %w", err)
		}
		var l batchList
		if err := json.Unmarshal(raw, &l); err != nil {
			return "", false, fmt.Errorf("decode batch list: %w", err)
		}
		for _, b := range l.Data {
			if b.Metadata[metadataKeyIdempotency] != key {
				continue
			}
			// a batch that never started is not a duplicate worth keeping
			if s := MapStatus(b.Status); s == constants.JobStatusFailed && b.RequestCounts.Total == 0 {
				continue
			}
			return b.ID, true, nil
		}
		if !l.HasMore || l.LastID == "" {
			break
		}
		after = l.LastID
	}
	return "", false, nil
}

// MapStatus maps OpenAI batch statuses onto the tracker's lifecycle.
// expired batches may still carry partial output, so they count as failed
// and are collected.
func MapStatus(s string) constants.JobStatus {
	switch s {
	case "validating":
		return constants.JobStatusPending
	case "in_progress", "finalizing", "cancelling":
		return constants.JobStatusInProgress
	case "completed":
		return constants.JobStatusCompleted
	case "failed", "expired":
		return constants.JobStatusFailed
	case "cancelled":
		return constants.JobStatusCancelled
	default:
		return constants.JobStatusPending
	}
}

type outputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseOutputJSONL parses a batch output or error file. Lines that are not
// valid JSON are skipped; the collector accounts for their IDs as missing.
func ParseOutputJSONL(raw []byte) ([]llm.Output, error) {
	var outs []llm.Output
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ol outputLine
		if err := json.Unmarshal(line, &ol); err != nil || ol.CustomID == "" {
			continue
		}
		out := llm.Output{
			CorrelationID: ol.CustomID,
			Raw:           append(json.RawMessage(nil), line...),
		}
		switch {
		case ol.Error != nil:
			out.Error = strings.TrimSpace(ol.Error.Code + ": " + ol.Error.Message)
		case ol.Response == nil:
			out.Error = "no response"
		case ol.Response.StatusCode/100 != 2:
			out.Error = fmt.Sprintf("status %d: %s", ol.Response.StatusCode, string(ol.Response.Body))
		default:
			content, err := messageContent(ol.Response.Body)
			if err != nil {
				out.Error = err.Error()
			} else {
				out.Payload = content
			}
		}
		outs = append(outs, out)
	}
	if err := sc.Err(); err != nil {
		return outs, err
	}
	return outs, nil
}

// messageContent extracts choices[0].message.content from a chat completion body.
func messageContent(body json.RawMessage) (json.RawMessage, error) {
	var cc chatCompletion
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, errors.New("no choices in completion")
	}
	msg := cc.Choices[0].Message
	if msg.Refusal != "" {
		return nil, fmt.Errorf("model refused: %s", msg.Refusal)
	}
	// content is a JSON document serialized as a string; keep it verbatim so
	// unparseable answers survive as schema errors with their raw text
	content := strings.TrimSpace(msg.Content)
	if json.Valid([]byte(content)) {
		return json.RawMessage(content), nil
	}
	quoted, _ := json.Marshal(content)
	return quoted, nil
}

func (c *Client) uploadBatchFile(ctx context.Context, name string, payload []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(payload); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	headers := c.headers()
	headers["Content-Type"] = mw.FormDataContentType()
	raw, _, err := llm.Send(ctx, c.http, http.MethodPost, c.url("/files"), buf.Bytes(), headers, c.log)
	if err != nil {
		return "", err
	}
	var f struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("decode file: %w", err)
	}
	if f.ID == "" {
		return "", errors.New("upload: response has no id")
	}
	return f.ID, nil
}

func (c *Client) getBatch(ctx context.Context, handle string) (batchObject, error) {
	raw, _, err := llm.Send(ctx, c.http, http.MethodGet, c.url("/batches/"+url.PathEscape(handle)), nil, c.headers(), c.log)
	if err != nil {
		return batchObject{}, fmt.Errorf("retrieve batch %s: %w", handle, err)
	}
	var b batchObject
	if err := json.Unmarshal(raw, &b); err != nil {
		return batchObject{}, fmt.Errorf("decode batch %s: %w", handle, err)
	}
	return b, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}
