package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/llm"
)

const outputFile = `{"id":"r1","custom_id":"img-a","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"safety_score\":8,\"risk_level\":\"low\",\"hazards\":[],\"description\":\"ok\"}"}}]}}}
{"id":"r2","custom_id":"img-b","response":{"status_code":200,"body":{"choices":[{"message":{"content":"not json at all"}}]}}}
{"id":"r3","custom_id":"img-c","response":{"status_code":200,"body":{"choices":[{"message":{"content":"","refusal":"I can't help with that."}}]}}}
not a json line
`

const errorFile = `{"id":"r4","custom_id":"img-d","response":null,"error":{"code":"invalid_url","message":"image url unreachable"}}
{"id":"r5","custom_id":"img-e","response":{"status_code":400,"body":{"error":{"message":"bad image"}}}}
`

type fakeAPI struct {
	mu       sync.Mutex
	uploads  []string
	creates  []map[string]any
	idemKeys []string
	cancels  []string
	batches  map[string]string // id -> JSON object
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{batches: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "batch", r.FormValue("purpose"))
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		b, _ := io.ReadAll(f)
		api.mu.Lock()
		api.uploads = append(api.uploads, string(b))
		api.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"file-in-1","purpose":"batch"}`)
	})
	mux.HandleFunc("POST /batches", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		api.mu.Lock()
		api.creates = append(api.creates, body)
		api.idemKeys = append(api.idemKeys, r.Header.Get("Idempotency-Key"))
		api.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"batch_abc","status":"validating"}`)
	})
	mux.HandleFunc("GET /batches", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			_, _ = io.WriteString(w, `{"data":[
				{"id":"batch_1","status":"completed","metadata":{"idempotency_key":"k-other"},"request_counts":{"total":3}},
				{"id":"batch_2","status":"failed","metadata":{"idempotency_key":"k-dead"},"request_counts":{"total":0}}
			],"has_more":true,"last_id":"batch_2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":[
			{"id":"batch_3","status":"in_progress","metadata":{"idempotency_key":"k-live"},"request_counts":{"total":3}}
		],"has_more":false}`)
	})
	mux.HandleFunc("GET /batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		obj, ok := api.batches[r.PathValue("id")]
		api.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":{"message":"not found"}}`, http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, obj)
	})
	mux.HandleFunc("POST /batches/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.cancels = append(api.cancels, r.PathValue("id"))
		api.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"`+r.PathValue("id")+`","status":"cancelling"}`)
	})
	mux.HandleFunc("GET /files/{id}/content", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "file-out":
			_, _ = io.WriteString(w, outputFile)
		case "file-err":
			_, _ = io.WriteString(w, errorFile)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return api, NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, nil)
}

func TestClient_Submit(t *testing.T) {
	api, c := newFakeAPI(t)
	payload := []byte(`{"custom_id":"img-a","method":"POST","url":"/v1/chat/completions","body":{}}` + "\n")

	handle, err := c.Submit(context.Background(), llm.SubmitRequest{
		RunID: "run-1", SubBatch: 2, IdempotencyKey: "k-1", ItemCount: 1, Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, "batch_abc", handle)

	require.Len(t, api.uploads, 1)
	assert.Equal(t, string(payload), api.uploads[0])
	require.Len(t, api.creates, 1)
	create := api.creates[0]
	assert.Equal(t, "file-in-1", create["input_file_id"])
	assert.Equal(t, "/v1/chat/completions", create["endpoint"])
	assert.Equal(t, "24h", create["completion_window"])
	meta := create["metadata"].(map[string]any)
	assert.Equal(t, "k-1", meta["idempotency_key"])
	assert.Equal(t, "2", meta["sub_batch"])
	assert.Equal(t, []string{"k-1"}, api.idemKeys)
}

func TestClient_PollStatus(t *testing.T) {
	api, c := newFakeAPI(t)
	api.batches["batch_abc"] = `{"id":"batch_abc","status":"finalizing","output_file_id":"file-out",
		"request_counts":{"total":5,"completed":4,"failed":1}}`

	rep, err := c.PollStatus(context.Background(), "batch_abc")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusInProgress, rep.Status)
	assert.Equal(t, "finalizing", rep.RawStatus)
	assert.Equal(t, 5, rep.Progress.Total)
	assert.Equal(t, 4, rep.Progress.Completed)
	assert.Equal(t, 1, rep.Progress.Failed)
	assert.Equal(t, "file-out", rep.OutputRef)

	_, err = c.PollStatus(context.Background(), "batch_missing")
	var he *llm.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Status)
	assert.False(t, he.Retryable())
}

func TestClient_FetchResults(t *testing.T) {
	api, c := newFakeAPI(t)
	api.batches["batch_abc"] = `{"id":"batch_abc","status":"completed","output_file_id":"file-out","error_file_id":"file-err"}`

	outs, err := c.FetchResults(context.Background(), "batch_abc")
	require.NoError(t, err)
	require.Len(t, outs, 5)

	byID := map[string]llm.Output{}
	for _, o := range outs {
		byID[o.CorrelationID] = o
	}
	assert.JSONEq(t, `{"safety_score":8,"risk_level":"low","hazards":[],"description":"ok"}`, string(byID["img-a"].Payload))
	assert.Empty(t, byID["img-a"].Error)
	assert.NotEmpty(t, byID["img-a"].Raw)

	var text string
	require.NoError(t, json.Unmarshal(byID["img-b"].Payload, &text), "non-JSON content survives as a string")
	assert.Equal(t, "not json at all", text)

	assert.Contains(t, byID["img-c"].Error, "model refused")
	assert.Equal(t, "invalid_url: image url unreachable", byID["img-d"].Error)
	assert.True(t, strings.HasPrefix(byID["img-e"].Error, "status 400"))
}

func TestClient_FindByIdempotencyKey(t *testing.T) {
	_, c := newFakeAPI(t)
	ctx := context.Background()

	h, found, err := c.FindByIdempotencyKey(ctx, "k-live")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "batch_3", h)

	_, found, err = c.FindByIdempotencyKey(ctx, "k-dead")
	require.NoError(t, err)
	assert.False(t, found, "a batch that failed before starting is not a duplicate")

	_, found, err = c.FindByIdempotencyKey(ctx, "k-none")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_Cancel(t *testing.T) {
	api, c := newFakeAPI(t)
	require.NoError(t, c.Cancel(context.Background(), "batch_abc"))
	assert.Equal(t, []string{"batch_abc"}, api.cancels)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]constants.JobStatus{
		"validating":  constants.JobStatusPending,
		"in_progress": constants.JobStatusInProgress,
		"finalizing":  constants.JobStatusInProgress,
		"cancelling":  constants.JobStatusInProgress,
		"completed":   constants.JobStatusCompleted,
		"failed":      constants.JobStatusFailed,
		"expired":     constants.JobStatusFailed,
		"cancelled":   constants.JobStatusCancelled,
		"something":   constants.JobStatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapStatus(raw), raw)
	}
}
