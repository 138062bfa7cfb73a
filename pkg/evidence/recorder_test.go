package evidence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Halyard-Labs/keel/pkg/archive"
	"github.com/Halyard-Labs/keel/pkg/contracts"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func sampleIR(id string) *contracts.OptimizationIR {
	return &contracts.OptimizationIR{
		SchemaVersion: "1.0.0",
		IRID:          id,
		TenantID:      "acme",
		PlanID:        "plan-7",
		Sense:         contracts.SenseMinimize,
		Variables:     []contracts.IRVariable{{Name: "order[widget]", Domain: contracts.DomainContinuous}},
		Objective:     []contracts.IRTerm{{Var: "order[widget]", Coeff: 9}},
		Constraints: []contracts.IRConstraint{
			{Name: "budget", Kind: contracts.KindBudget, Terms: []contracts.IRTerm{{Var: "order[widget]", Coeff: 9}}, Op: contracts.OpLE, RHS: 8000},
		},
	}
}

func sampleOutcome() contracts.Outcome {
	return contracts.SolutionOutcome(&contracts.Solution{
		Status:         contracts.StatusOptimal,
		ObjectiveValue: 7821.4,
		Assignments:    map[string]float64{"order[widget]": 869},
	})
}

func sampleSnapshot() contracts.PolicySnapshot {
	return contracts.PolicySnapshot{
		BundleIDs:    []string{"procurement-core"},
		SnapshotHash: "f00dfeed",
	}
}

func newTestRecorder() *Recorder {
	return NewRecorder(NewArena()).WithClock(fixedClock)
}

func TestRecordAssignsSequentialRefs(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	ref1, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), []string{"scn-000"}, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)
	ref2, err := r.Record(ctx, "plan-8", sampleIR("ir-2"), []string{"scn-000"}, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ref1.Sequence)
	assert.Equal(t, uint64(2), ref2.Sequence)
	assert.NotEqual(t, ref1.SnapshotHash, ref2.SnapshotHash)
	assert.Len(t, ref1.SnapshotHash, 64)
}

func TestRecordIsIdempotent(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	ref1, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), []string{"scn-000"}, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)
	ref2, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), []string{"scn-000"}, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2, "identical tuples must map to one record")

	store := r.store.(*Arena)
	assert.Equal(t, 1, store.Len())
}

func TestRecordIdempotentUnderConcurrency(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	const writers = 16
	refs := make([]contracts.EvidenceRef, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = r.Record(ctx, "plan-7", sampleIR("ir-1"), []string{"scn-000"}, sampleOutcome(), sampleSnapshot())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, ref := range refs[1:] {
		assert.Equal(t, refs[0], ref)
	}
	assert.Equal(t, 1, r.store.(*Arena).Len())
}

func TestGetVerifiesHashPrefix(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	ref, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), nil, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	rec, err := r.Get(ctx, contracts.EvidenceRef{Sequence: ref.Sequence, SnapshotHash: ref.SnapshotHash[:12]})
	require.NoError(t, err)
	assert.Equal(t, "plan-7", rec.PlanID)

	_, err = r.Get(ctx, contracts.EvidenceRef{Sequence: ref.Sequence, SnapshotHash: "deadbeef0000"})
	assert.ErrorIs(t, err, ErrRefMismatch)

	_, err = r.Get(ctx, contracts.EvidenceRef{Sequence: 99, SnapshotHash: ref.SnapshotHash})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupersedeAppendsLinkedRecord(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	first, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), nil, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	second, err := r.Supersede(ctx, first, "plan-7", sampleIR("ir-1b"), nil, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)

	rec, err := r.Get(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, rec.Supersedes)
	assert.Equal(t, first.Sequence, *rec.Supersedes)

	// The superseded record is untouched.
	old, err := r.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "ir-1", old.IR.IRID)

	_, err = r.Supersede(ctx, contracts.EvidenceRef{Sequence: 42, SnapshotHash: "nope"}, "plan-7", sampleIR("ir-x"), nil, sampleOutcome(), sampleSnapshot())
	assert.Error(t, err)
}

func TestRecordRejectsBadInput(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	_, err := r.Record(ctx, "", sampleIR("ir-1"), nil, sampleOutcome(), sampleSnapshot())
	assert.ErrorContains(t, err, "plan id")

	_, err = r.Record(ctx, "plan-7", nil, nil, sampleOutcome(), sampleSnapshot())
	assert.ErrorContains(t, err, "IR")

	_, err = r.Record(ctx, "plan-7", sampleIR("ir-1"), nil, contracts.Outcome{Kind: "surprise"}, sampleSnapshot())
	assert.ErrorContains(t, err, "outcome kind")
}

func TestVerifyDetectsTampering(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	ref, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), []string{"scn-000"}, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	res, err := r.Verify(ctx, ref)
	require.NoError(t, err)
	assert.True(t, res.HashMatches)
	assert.Equal(t, ref.SnapshotHash, res.ComputedHash)

	// Reach into the arena and corrupt the stored record.
	arena := r.store.(*Arena)
	arena.records[0].PlanID = "plan-666"

	res, err = r.Verify(ctx, ref)
	require.NoError(t, err)
	assert.False(t, res.HashMatches)

	_, err = r.Replay(ctx, ref)
	assert.ErrorContains(t, err, "integrity check")
}

func TestVerifyGatesOnSchemaMajor(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	rec := &contracts.EvidenceRecord{
		SchemaVersion:  "2.0.0",
		PlanID:         "plan-7",
		SnapshotHash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		IR:             sampleIR("ir-1"),
		Result:         sampleOutcome(),
		PolicySnapshot: sampleSnapshot(),
		CreatedAt:      fixedClock(),
	}
	ref, err := r.store.Append(ctx, rec)
	require.NoError(t, err)

	_, err = r.Verify(ctx, contracts.EvidenceRef{Sequence: ref.Sequence})
	assert.ErrorIs(t, err, ErrSchemaIncompatible)

	// Same-major minor bumps pass the gate.
	assert.NoError(t, checkSchemaVersion("1.3.0"))
	assert.Error(t, checkSchemaVersion("not-a-version"))
}

func TestReplayReturnsStoredOutcome(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	ref, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), []string{"scn-000", "scn-001"}, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	rec, err := r.Replay(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSolution, rec.Result.Kind)
	assert.InDelta(t, 7821.4, rec.Result.Solution.ObjectiveValue, 1e-9)
	assert.Equal(t, []string{"scn-000", "scn-001"}, rec.ScenarioIDs)
}

func TestExportWritesDeterministicBundle(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(r, store)

	ref, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), nil, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	hash1, err := exp.Export(ctx, ref)
	require.NoError(t, err)
	hash2, err := exp.Export(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2, "re-exporting the same record is a deduplicated no-op")

	data, err := store.Get(ctx, hash1)
	require.NoError(t, err)
	assert.Contains(t, string(data), ref.SnapshotHash)
}

func TestExportRefusesTamperedRecord(t *testing.T) {
	r := newTestRecorder()
	ctx := context.Background()

	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(r, store)

	ref, err := r.Record(ctx, "plan-7", sampleIR("ir-1"), nil, sampleOutcome(), sampleSnapshot())
	require.NoError(t, err)

	r.store.(*Arena).records[0].PlanID = "plan-666"

	_, err = exp.Export(ctx, ref)
	assert.ErrorContains(t, err, "integrity check")
}
