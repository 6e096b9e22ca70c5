package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
	"github.com/bpalas/street-safety-vision/internal/testutil"
)

// collectFixture plans and submits items in sub-batches of two and marks
// every job completed.
func collectFixture(t *testing.T, p *testutil.Provider, n int) ([]entity.RequestItem, []entity.BatchJob) {
	t.Helper()
	items := buildItems(t, n)
	s := NewSubmitter(p, SubmitterConfig{MaxBatchSize: 2}, nil, nil, testutil.NewClock(t0))
	jobs, err := s.Plan("run-1", items)
	require.NoError(t, err)
	jobs, err = s.SubmitAll(context.Background(), "run-1", jobs, items, nil)
	require.NoError(t, err)
	for i := range jobs {
		jobs[i].Status = constants.JobStatusCompleted
	}
	return items, jobs
}

func newCollector(t *testing.T, p llm.Provider) *Collector {
	t.Helper()
	v, err := llm.DefaultSafetyValidator()
	require.NoError(t, err)
	return NewCollector(p, v, nil, nil)
}

func TestCollector_AllValid(t *testing.T) {
	p := testutil.NewProvider()
	items, jobs := collectFixture(t, p, 3)

	results, err := newCollector(t, p).Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, it := range items {
		rec := results[it.CorrelationID]
		assert.Equal(t, constants.ResultOK, rec.Status)
		assert.Equal(t, it.Reference.Identifier, rec.Identifier)
		require.NotNil(t, rec.Assessment)
		assert.Equal(t, 7.5, rec.Assessment.SafetyScore)
		assert.Equal(t, []string{"Graffiti"}, rec.Assessment.Hazards)
		assert.JSONEq(t, testutil.ValidAnswer, string(rec.Raw))
		assert.NotEmpty(t, rec.JobHandle)
	}
	ok, schemaErrs, miss := Tally(results)
	assert.Equal(t, 3, ok)
	assert.Zero(t, schemaErrs)
	assert.Zero(t, miss)
}

func TestCollector_MixedOutcomes(t *testing.T) {
	p := testutil.NewProvider()
	p.Answer = func(id string) llm.Output {
		switch id {
		case "img-img001":
			return llm.Output{CorrelationID: id, Payload: json.RawMessage(`{"safety_score":42,"risk_level":"low","hazards":[],"description":"x"}`)}
		case "img-img002":
			return llm.Output{CorrelationID: id, Error: "image could not be downloaded"}
		case "img-img003":
			return llm.Output{CorrelationID: "img-stranger", Payload: json.RawMessage(testutil.ValidAnswer)}
		}
		return llm.Output{CorrelationID: id, Payload: json.RawMessage(testutil.ValidAnswer)}
	}
	items, jobs := collectFixture(t, p, 4)

	results, err := newCollector(t, p).Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	require.Len(t, results, 4, "one record per request, unknown ids ignored")
	assert.NotContains(t, results, "img-stranger")

	assert.Equal(t, constants.ResultOK, results["img-img000"].Status)

	bad := results["img-img001"]
	assert.Equal(t, constants.ResultSchemaError, bad.Status)
	assert.Nil(t, bad.Assessment)
	assert.Contains(t, string(bad.Raw), `"safety_score":42`)
	assert.Contains(t, bad.Error, "img-img001")

	failed := results["img-img002"]
	assert.Equal(t, constants.ResultMissing, failed.Status)
	assert.Contains(t, failed.Error, "image could not be downloaded")

	lost := results["img-img003"]
	assert.Equal(t, constants.ResultMissing, lost.Status)
	assert.Contains(t, lost.Error, "no output line for request")
}

func TestCollector_SanitizesBeforeValidating(t *testing.T) {
	p := testutil.NewProvider()
	p.Answer = func(id string) llm.Output {
		return llm.Output{CorrelationID: id, Payload: json.RawMessage("```json\n" +
			`{"score":"3.5","risk":"HIGH","risks":["trash","dark","trash"],"summary":" Dark street. ","mood":"grim"}` + "\n```")}
	}
	items, jobs := collectFixture(t, p, 1)

	results, err := newCollector(t, p).Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	rec := results[items[0].CorrelationID]
	require.Equal(t, constants.ResultOK, rec.Status, rec.Error)
	assert.Equal(t, 3.5, rec.Assessment.SafetyScore)
	assert.Equal(t, "high", rec.Assessment.RiskLevel)
	assert.Equal(t, []string{"Litter", "PoorLighting"}, rec.Assessment.Hazards)
	assert.Equal(t, "Dark street.", rec.Assessment.Description)
	assert.Contains(t, string(rec.Raw), "```json", "raw keeps the untouched payload")
}

func TestCollector_Duplicates(t *testing.T) {
	invalid := json.RawMessage(`{"risk_level":"low"}`)
	p := testutil.NewProvider()
	items, jobs := collectFixture(t, p, 2)

	dup := &duplicatingProvider{Provider: p, extra: map[string][]llm.Output{
		"img-img000": {{CorrelationID: "img-img000", Payload: invalid}},
		"img-img001": {{CorrelationID: "img-img001", Payload: invalid}, {CorrelationID: "img-img001", Payload: invalid}},
	}, prepend: map[string]bool{"img-img000": true}}

	results, err := newCollector(t, dup).Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, constants.ResultOK, results["img-img000"].Status, "a valid duplicate wins over an earlier invalid one")
	assert.Equal(t, constants.ResultOK, results["img-img001"].Status)
}

func TestCollector_JobOutcomes(t *testing.T) {
	p := testutil.NewProvider()
	var failing string
	p.FetchErr = func(handle string) error {
		if handle == failing {
			return &llm.HTTPError{Status: 500, Body: "boom"}
		}
		return nil
	}
	items, jobs := collectFixture(t, p, 8)
	require.Len(t, jobs, 4)
	// handles are assigned in submission order, which is concurrent
	// sub-batch 0 ok, 1 fetch fails, 2 timed out, 3 rejected
	failing = jobs[1].Handle
	timedOut := jobs[2].Handle
	jobs[2].Status = constants.JobStatusFailed
	jobs[2].LocalTimeout = true
	jobs[3] = entity.BatchJob{SubBatch: 3, CorrelationIDs: jobs[3].CorrelationIDs, Status: constants.JobStatusPending,
		SubmitError: "non-2xx status: 400: bad request"}

	results, err := newCollector(t, p).Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	require.Len(t, results, 8)

	assert.Equal(t, constants.ResultOK, results["img-img000"].Status)
	assert.Contains(t, results["img-img002"].Error, "fetching results failed with status 500")
	assert.Contains(t, results["img-img004"].Error, "job timed out before finishing")
	assert.Contains(t, results["img-img006"].Error, "submission failed: non-2xx status: 400")
	assert.Equal(t, 0, p.Fetches(timedOut), "locally timed-out jobs are not fetched")

	ok, schemaErrs, miss := Tally(results)
	assert.Equal(t, 8, ok+schemaErrs+miss)
	assert.Equal(t, 2, ok)
}

func TestCollector_Idempotent(t *testing.T) {
	p := testutil.NewProvider()
	items, jobs := collectFixture(t, p, 3)
	c := newCollector(t, p)

	first, err := c.Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	second, err := c.Collect(context.Background(), items, jobs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCollector_Cancelled(t *testing.T) {
	p := testutil.NewProvider()
	items, jobs := collectFixture(t, p, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newCollector(t, p).Collect(ctx, items, jobs)
	assert.True(t, errors.Is(err, context.Canceled))
}

// duplicatingProvider adds extra output lines per correlation id, before or
// after the real one.
type duplicatingProvider struct {
	*testutil.Provider
	extra   map[string][]llm.Output
	prepend map[string]bool
}

func (d *duplicatingProvider) FetchResults(ctx context.Context, handle string) ([]llm.Output, error) {
	outs, err := d.Provider.FetchResults(ctx, handle)
	if err != nil {
		return nil, err
	}
	var res []llm.Output
	for _, o := range outs {
		if d.prepend[o.CorrelationID] {
			res = append(res, d.extra[o.CorrelationID]...)
			res = append(res, o)
			continue
		}
		res = append(res, o)
		res = append(res, d.extra[o.CorrelationID]...)
	}
	return res, nil
}
