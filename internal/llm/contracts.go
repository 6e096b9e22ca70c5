package llm

import (
	"context"
	"encoding/json"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

// SubmitRequest is one serialized sub-batch ready for the provider.
type SubmitRequest struct {
	RunID          string
	SubBatch       int
	IdempotencyKey string
	ItemCount      int
	Payload        []byte // JSONL, one request per line
}

// StatusReport is what a status poll returns.
type StatusReport struct {
	Status    constants.JobStatus
	RawStatus string
	Progress  entity.Progress
	OutputRef string
	ErrorRef  string
}

// Output is one (correlation ID, payload) pair of a finished job.
// Payload holds the model's structured answer; Error is set instead when the
// provider reports the individual request failed.
type Output struct {
	CorrelationID string
	Payload       json.RawMessage
	Raw           json.RawMessage
	Error         string
}

// Provider is the narrow capability surface of a remote batch inference service.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (handle string, err error)
	PollStatus(ctx context.Context, handle string) (StatusReport, error)
	FetchResults(ctx context.Context, handle string) ([]Output, error)
}

// Canceller is implemented by providers that can cancel a running job.
type Canceller interface {
	Cancel(ctx context.Context, handle string) error
}

// IdempotencyFinder is implemented by providers that can look up an already
// submitted job by the idempotency key attached at submission.
type IdempotencyFinder interface {
	FindByIdempotencyKey(ctx context.Context, key string) (handle string, found bool, err error)
}

// BatchLine is one JSONL line of a batch input file.
type BatchLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// EncodeBatchLine serializes item as a batch input line targeting endpoint.
func EncodeBatchLine(item entity.RequestItem, endpoint string) ([]byte, error) {
	b, err := json.Marshal(BatchLine{
		CustomID: item.CorrelationID,
		Method:   "POST",
		URL:      endpoint,
		Body:     item.Body,
	})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
