package async

import (
	"context"
	"time"

	"github.com/bpalas/street-safety-vision/internal/common"
)

// Job asks for one run to be executed (or resumed).
type Job struct {
	RunID       string
	Config      common.RunConfig
	SubmittedAt time.Time
	TraceID     string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
