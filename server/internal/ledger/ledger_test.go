package ledger

import (
	"context"
	"encoding/json"
	"flag"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/server/internal/model"
)

func init() {
	flag.Set("logtostderr", "true")
}

func setOp(field string, value string) model.Operation {
	return model.Operation{Path: []any{"fields", field}, OI: json.RawMessage(value), OD: json.RawMessage(`null`)}
}

func addOp(field string, delta float64) model.Operation {
	return model.Operation{Path: []any{"fields", field}, NA: &delta}
}

func TestFetchNeverCreatedIsNotFound(t *testing.T) {
	l := New(NewInMemoryStore(), nil)

	_, err := l.Fetch(context.Background(), "rec_tbl1", "r1")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestSubmitCreatesLazilyAndBumpsVersion(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	res, err := l.Submit(ctx, Submission{Collection: "rec_tbl1", ID: "r1", ExpectedVersion: 0, Ops: []model.Operation{setOp("f1", `"a"`)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Commit.Version)
	assert.True(t, res.Commit.Created)

	snap, err := l.Fetch(ctx, "rec_tbl1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "a", snap.Data["fields"].(map[string]any)["f1"])
}

func TestStaleSubmitIsRejectedWithCurrentVersion(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	for v := int64(0); v < 4; v++ {
		_, err := l.Submit(ctx, Submission{Collection: "rec_tbl1", ID: "r1", ExpectedVersion: v, Ops: []model.Operation{setOp("f1", strconv.Itoa(int(v)))}}, nil)
		require.NoError(t, err)
	}

	_, err := l.Submit(ctx, Submission{Collection: "rec_tbl1", ID: "r1", ExpectedVersion: 3, Ops: []model.Operation{setOp("f1", `"late"`)}}, nil)
	require.Error(t, err)
	conflict := model.AsError(err)
	assert.Equal(t, model.KindVersionConflict, conflict.Kind)
	assert.Equal(t, int64(4), conflict.Current)

	snap, _ := l.Fetch(ctx, "rec_tbl1", "r1")
	assert.Equal(t, int64(4), snap.Version)
	assert.Equal(t, float64(3), snap.Data["fields"].(map[string]any)["f1"])
}

func TestInvalidOperationDoesNotConsumeVersion(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", Ops: []model.Operation{setOp("n", `1`)}}, nil)
	require.NoError(t, err)

	_, err = l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", ExpectedVersion: 1, Ops: []model.Operation{addOp("missing", 1)}}, nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindProtocol))

	snap, _ := l.Fetch(ctx, "rec_t", "r")
	assert.Equal(t, int64(1), snap.Version)
}

func TestResubmitWithSameSourceIsIdempotent(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	sub := Submission{Collection: "rec_t", ID: "r", Ops: []model.Operation{setOp("f", `"x"`)}, Src: "conn-a", Seq: 1}
	first, err := l.Submit(ctx, sub, nil)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	var hooked int
	again, err := l.Submit(ctx, sub, func([]*model.Commit) { hooked++ })
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Commit.Version, again.Commit.Version)
	assert.Zero(t, hooked, "a replay must not be broadcast again")
}

func TestSourceWithoutSeqIsNotDeduplicated(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	first, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", Ops: []model.Operation{setOp("f", `"x"`)}, Src: "conn-a"}, nil)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	var hooked int
	second, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", ExpectedVersion: 1, Ops: []model.Operation{setOp("g", `"y"`)}, Src: "conn-a"},
		func([]*model.Commit) { hooked++ })
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.Equal(t, int64(2), second.Commit.Version)
	assert.Equal(t, 1, hooked)

	snap, err := l.Fetch(ctx, "rec_t", "r")
	require.NoError(t, err)
	fields := snap.Data["fields"].(map[string]any)
	assert.Equal(t, "x", fields["f"])
	assert.Equal(t, "y", fields["g"])
}

func TestVersionTracksCommits(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	v, err := l.Version(ctx, "rec_t", "r")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", Ops: []model.Operation{setOp("f", `1`)}}, nil)
	require.NoError(t, err)

	v, err = l.Version(ctx, "rec_t", "r")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestDeleteThenRecreate(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", Ops: []model.Operation{setOp("f", `1`)}}, nil)
	require.NoError(t, err)

	res, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", ExpectedVersion: 1, Del: true}, nil)
	require.NoError(t, err)
	assert.True(t, res.Commit.Deleted)

	_, err = l.Fetch(ctx, "rec_t", "r")
	assert.True(t, model.IsKind(err, model.KindNotFound))

	res, err = l.Submit(ctx, Submission{Collection: "rec_t", ID: "r", ExpectedVersion: 2, Ops: []model.Operation{setOp("g", `2`)}}, nil)
	require.NoError(t, err)
	assert.True(t, res.Commit.Created)
	assert.Equal(t, int64(3), res.Commit.Version)

	snap, err := l.Fetch(ctx, "rec_t", "r")
	require.NoError(t, err)
	_, hasOld := snap.Data["fields"].(map[string]any)["f"]
	assert.False(t, hasOld)
}

func TestBatchCommitIsAllOrNothing(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Submit(ctx, Submission{Collection: "fld_t", ID: "f1", Ops: []model.Operation{setOp("name", `"A"`)}}, nil)
	require.NoError(t, err)

	_, err = l.Commit(ctx, []Submission{
		{Collection: "rec_t", ID: "r1", Ops: []model.Operation{setOp("f1", `1`)}},
		{Collection: "fld_t", ID: "f1", ExpectedVersion: 0, Ops: []model.Operation{setOp("name", `"B"`)}},
	}, nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindVersionConflict))

	_, err = l.Fetch(ctx, "rec_t", "r1")
	assert.True(t, model.IsKind(err, model.KindNotFound), "first document must not be written")

	var hooked []*model.Commit
	results, err := l.Commit(ctx, []Submission{
		{Collection: "rec_t", ID: "r1", Ops: []model.Operation{setOp("f1", `1`)}},
		{Collection: "fld_t", ID: "f1", ExpectedVersion: 1, Ops: []model.Operation{setOp("name", `"B"`)}},
	}, func(c []*model.Commit) { hooked = c })
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, hooked, 2)
}

func TestDifferentDocumentsDoNotBlockEachOther(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	holding := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = l.Submit(ctx, Submission{Collection: "rec_t", ID: "slow", Ops: []model.Operation{setOp("f", `1`)}},
			func([]*model.Commit) {
				close(holding)
				<-unblock
			})
	}()
	<-holding
	defer close(unblock)

	done := make(chan error, 1)
	go func() {
		_, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "fast", Ops: []model.Operation{setOp("f", `1`)}}, nil)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit on an independent document was blocked")
	}

	// 同一文档的等待受 ctx 约束
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := l.Submit(waitCtx, Submission{Collection: "rec_t", ID: "slow", ExpectedVersion: 1, Ops: []model.Operation{setOp("f", `2`)}}, nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindTimeout))
}

func TestConcurrentWritersOnOneDocumentRetryToConvergence(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Submit(ctx, Submission{Collection: "rec_t", ID: "counter", Ops: []model.Operation{setOp("n", `0`)}}, nil)
	require.NoError(t, err)

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				for {
					snap, err := l.Fetch(ctx, "rec_t", "counter")
					if err != nil {
						t.Error(err)
						return
					}
					_, err = l.Submit(ctx, Submission{Collection: "rec_t", ID: "counter", ExpectedVersion: snap.Version, Ops: []model.Operation{addOp("n", 1)}}, nil)
					if err == nil {
						break
					}
					if !model.IsKind(err, model.KindVersionConflict) {
						t.Error(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	snap, err := l.Fetch(ctx, "rec_t", "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers*perWriter), snap.Version)
	assert.Equal(t, float64(writers*perWriter), snap.Data["fields"].(map[string]any)["n"])
	assert.Zero(t, l.locks.size())
}

func TestLedgerVersionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted submits are gapless and stale submits never mutate", prop.ForAll(
		func(n int, staleEvery int) bool {
			l := New(NewInMemoryStore(), nil)
			ctx := context.Background()

			var version int64
			for i := 0; i < n; i++ {
				stale := staleEvery > 0 && version > 0 && i%staleEvery == 0
				expected := version
				if stale {
					expected = version - 1
				}

				res, err := l.Submit(ctx, Submission{
					Collection:      "rec_p",
					ID:              "doc",
					ExpectedVersion: expected,
					Ops:             []model.Operation{setOp("i", strconv.Itoa(i))},
				}, nil)

				if stale {
					if model.AsError(err).Current != version {
						return false
					}
					snap, _ := l.Fetch(ctx, "rec_p", "doc")
					if snap.Version != version {
						return false
					}
					continue
				}
				if err != nil || res.Commit.Version != version+1 {
					return false
				}
				version++
			}

			ops, err := l.Ops(ctx, "rec_p", "doc", 0)
			if err != nil || int64(len(ops)) != version {
				return false
			}
			for i, c := range ops {
				if c.Version != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func TestQueryFiltersSortsAndLimits(t *testing.T) {
	l := New(NewInMemoryStore(), nil)
	ctx := context.Background()

	rows := map[string]string{"r1": `3`, "r2": `1`, "r3": `2`}
	for id, score := range rows {
		_, err := l.Submit(ctx, Submission{Collection: "rec_q", ID: id, Ops: []model.Operation{
			setOp("score", score),
			setOp("team", `"blue"`),
		}}, nil)
		require.NoError(t, err)
	}
	_, err := l.Submit(ctx, Submission{Collection: "rec_q", ID: "r4", Ops: []model.Operation{setOp("team", `"red"`)}}, nil)
	require.NoError(t, err)

	q, err := ParseQuery(json.RawMessage(`{"filter":{"fields.team":"blue"},"sort":"fields.score","desc":true,"limit":2}`))
	require.NoError(t, err)

	out, err := l.Query(ctx, "rec_q", q)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "r1", out[0].ID)
	assert.Equal(t, "r3", out[1].ID)
}
