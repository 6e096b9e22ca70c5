// Package testutil holds in-memory doubles of the batch provider and the
// clock for package tests.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
)

// ValidAnswer is a model answer that passes the safety schema.
const ValidAnswer = `{"safety_score":7.5,"risk_level":"low","hazards":["graffiti"],"description":"A quiet residential street with working lights."}`

// Provider is a scriptable in-memory llm.Provider that also implements
// llm.Canceller and llm.IdempotencyFinder.
type Provider struct {
	mu sync.Mutex

	// SubmitErr, when set, is consulted before every submission.
	SubmitErr func(req llm.SubmitRequest) error
	// Status scripts the n-th poll (0-based) of handle. Defaults to
	// in_progress on the first poll and completed afterwards.
	Status func(handle string, n int) llm.StatusReport
	// Answer produces the output of one request. Defaults to ValidAnswer.
	Answer func(correlationID string) llm.Output
	// FetchErr, when set, fails FetchResults for that handle.
	FetchErr func(handle string) error
	// DisableLookup makes FindByIdempotencyKey never find anything.
	DisableLookup bool

	seq       int
	submitted map[string]llm.SubmitRequest
	byKey     map[string]string
	polls     map[string]int
	fetches   map[string]int
	cancelled []string
	attempts  int
}

func NewProvider() *Provider {
	return &Provider{
		submitted: map[string]llm.SubmitRequest{},
		byKey:     map[string]string{},
		polls:     map[string]int{},
		fetches:   map[string]int{},
	}
}

func (p *Provider) Submit(ctx context.Context, req llm.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.SubmitErr != nil {
		if err := p.SubmitErr(req); err != nil {
			return "", err
		}
	}
	p.seq++
	handle := fmt.Sprintf("batch_%03d", p.seq)
	p.submitted[handle] = req
	p.byKey[req.IdempotencyKey] = handle
	return handle, nil
}

func (p *Provider) PollStatus(ctx context.Context, handle string) (llm.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return llm.StatusReport{}, err
	}
	p.mu.Lock()
	n := p.polls[handle]
	p.polls[handle] = n + 1
	req := p.submitted[handle]
	script := p.Status
	p.mu.Unlock()

	if script != nil {
		return script(handle, n), nil
	}
	if n == 0 {
		return llm.StatusReport{Status: constants.JobStatusInProgress, RawStatus: "in_progress",
			Progress: entity.Progress{Total: req.ItemCount}}, nil
	}
	return llm.StatusReport{Status: constants.JobStatusCompleted, RawStatus: "completed",
		Progress: entity.Progress{Total: req.ItemCount, Completed: req.ItemCount}, OutputRef: "file-" + handle}, nil
}

func (p *Provider) FetchResults(ctx context.Context, handle string) ([]llm.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.fetches[handle]++
	req, ok := p.submitted[handle]
	fetchErr := p.FetchErr
	answer := p.Answer
	p.mu.Unlock()

	if fetchErr != nil {
		if err := fetchErr(handle); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", handle)
	}
	var outs []llm.Output
	for _, id := range CorrelationIDs(req.Payload) {
		if answer != nil {
			outs = append(outs, answer(id))
			continue
		}
		outs = append(outs, llm.Output{CorrelationID: id, Payload: json.RawMessage(ValidAnswer)})
	}
	return outs, nil
}

func (p *Provider) Cancel(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, handle)
	return nil
}

func (p *Provider) FindByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DisableLookup {
		return "", false, nil
	}
	h, ok := p.byKey[key]
	return h, ok, nil
}

// Remember registers a job as already submitted under key, as if an earlier
// process had created it.
func (p *Provider) Remember(key, handle string, req llm.SubmitRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey[key] = handle
	p.submitted[handle] = req
}

// Submissions is the number of accepted submissions.
func (p *Provider) Submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Attempts counts every Submit call, including rejected ones.
func (p *Provider) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Submitted returns the request accepted under handle.
func (p *Provider) Submitted(handle string) (llm.SubmitRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.submitted[handle]
	return r, ok
}

func (p *Provider) Polls(handle string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls[handle]
}

func (p *Provider) Fetches(handle string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[handle]
}

func (p *Provider) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

// CorrelationIDs extracts the custom_id of every line of a JSONL payload.
func CorrelationIDs(payload []byte) []string {
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var line llm.BatchLine
		if err := json.Unmarshal(sc.Bytes(), &line); err == nil {
			ids = append(ids, line.CustomID)
		}
	}
	return ids
}

// Clock is a manual clock: Sleep advances Now instantly.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
