package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealline/internal/collector"
	"dealline/internal/db"
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/events"
	"dealline/internal/migrate"
	"dealline/internal/repo"
	"dealline/internal/store"
)

var fixedNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

var tester = domain.Actor{ID: "tester", Name: "Test User"}

// faultyStore wraps a RecordStore and fails selected calls.
type faultyStore struct {
	store.RecordStore
	failAdd    map[string]error
	failUpdate map[string]error
	failGet    map[string]error
	beforeAdd  func(collection string)
}

func (f *faultyStore) AddRecord(ctx context.Context, collection string, data store.Document) (string, error) {
	if f.beforeAdd != nil {
		f.beforeAdd(collection)
	}
	if err := f.failAdd[collection]; err != nil {
		return "", err
	}
	return f.RecordStore.AddRecord(ctx, collection, data)
}

func (f *faultyStore) UpdateRecord(ctx context.Context, collection, id string, patch store.Document) error {
	if err := f.failUpdate[collection]; err != nil {
		return err
	}
	return f.RecordStore.UpdateRecord(ctx, collection, id, patch)
}

func (f *faultyStore) GetRecord(ctx context.Context, collection, id string) (store.Document, error) {
	if err := f.failGet[collection]; err != nil {
		return nil, err
	}
	return f.RecordStore.GetRecord(ctx, collection, id)
}

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Store  *faultyStore
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return fixedNow }
	r := repo.Repo{DB: conn, Now: now}
	fs := &faultyStore{RecordStore: r, failAdd: map[string]error{}, failUpdate: map[string]error{}, failGet: map[string]error{}}
	eng := engine.New(fs, events.Writer{DB: conn, Now: now}, zerolog.Nop(), engine.Options{})
	eng.Now = now
	return testEnv{Engine: eng, Repo: r, Store: fs, Ctx: context.Background()}
}

func (env testEnv) createDeal(t *testing.T, pt *domain.ProjectType) domain.Deal {
	t.Helper()
	d, err := env.Engine.CreateDeal(env.Ctx, tester, domain.Deal{Name: "Acme rebuild", ProjectType: pt})
	require.NoError(t, err)
	return d
}

// storedDeal reads the deal document straight from the store.
func (env testEnv) storedDeal(t *testing.T, id string) domain.Deal {
	t.Helper()
	doc, err := env.Repo.GetRecord(env.Ctx, store.CollectionDeals, id)
	require.NoError(t, err)
	var d domain.Deal
	require.NoError(t, store.Decode(doc, &d))
	return d
}

func (env testEnv) historyLen(t *testing.T, id string) int {
	t.Helper()
	h, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	return len(h)
}

func ptype(p domain.ProjectType) *domain.ProjectType { return &p }

func decEq(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, decimal.RequireFromString(want).Equal(*got), "want %s got %s", want, got)
}

func TestUngatedStagesCommitImmediately(t *testing.T) {
	for _, stage := range []domain.Stage{domain.StageDiscovery, domain.StageOnBoarded} {
		env := newTestEnv(t)
		deal := env.createDeal(t, nil)
		if stage == domain.StageOnBoarded {
			_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageDiscovery)
			require.NoError(t, err)
		}
		before := env.historyLen(t, deal.ID)

		out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, stage)
		require.NoError(t, err)
		assert.Equal(t, engine.OutcomeCommitted, out.Kind)
		assert.Nil(t, out.Form)
		require.NotNil(t, out.Commit)
		assert.Equal(t, engine.PhasePersisted, out.Commit.Phase)
		assert.True(t, out.Commit.Record.Terms.IsZero())
		assert.Len(t, out.Commit.History, before+1)

		_, err = env.Engine.Pending(deal.ID)
		assert.ErrorIs(t, err, engine.ErrNoPendingStage)

		stored := env.storedDeal(t, deal.ID)
		assert.Equal(t, stage, stored.Stage)
		assert.Equal(t, out.Commit.Record.ID, stored.StageRecordIDs[stage])
	}
}

func TestSameStageIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, nil)
	out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageOnBoarded)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeNoOp, out.Kind)
	assert.Equal(t, 0, env.historyLen(t, deal.ID))
}

func TestUnknownStageRejected(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, nil)
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.Stage("Archived"))
	assert.ErrorIs(t, err, engine.ErrUnknownStage)
}

func TestGatedRequestDoesNotMutateUntilSubmit(t *testing.T) {
	for _, stage := range []domain.Stage{domain.StageProposal, domain.StageNegotiation, domain.StageCloseWonLost} {
		env := newTestEnv(t)
		deal := env.createDeal(t, ptype(domain.ProjectFixed))
		_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageDiscovery)
		require.NoError(t, err)
		before, err := env.Engine.Get(env.Ctx, deal.ID)
		require.NoError(t, err)
		storedBefore := env.storedDeal(t, deal.ID)

		out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, stage)
		require.NoError(t, err)
		assert.Equal(t, engine.OutcomePending, out.Kind)
		require.NotNil(t, out.Form)
		assert.Equal(t, stage, out.Form.Stage)

		mid, err := env.Engine.Get(env.Ctx, deal.ID)
		require.NoError(t, err)
		require.NotNil(t, mid.PendingStage)
		assert.Equal(t, stage, *mid.PendingStage)
		assert.Equal(t, before.Deal, mid.Deal)

		require.NoError(t, env.Engine.CancelPending(deal.ID))
		after, err := env.Engine.Get(env.Ctx, deal.ID)
		require.NoError(t, err)
		assert.Nil(t, after.PendingStage)
		assert.Equal(t, before.Deal.Stage, after.Deal.Stage)
		assert.Equal(t, before.Deal.StageRecordIDs, after.Deal.StageRecordIDs)
		assert.Equal(t, storedBefore, env.storedDeal(t, deal.ID))
		assert.Equal(t, 1, env.historyLen(t, deal.ID))

		assert.ErrorIs(t, env.Engine.CancelPending(deal.ID), engine.ErrNoPendingStage)
	}
}

func TestValidationFailureDoesNotCommit(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectHourly))
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageCloseWonLost)
	require.NoError(t, err)

	_, err = env.Engine.SetField(deal.ID, collector.FieldStatus, "Lost")
	require.NoError(t, err)
	_, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	var ve *collector.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Fields, collector.FieldLossReason)

	_, err = env.Engine.SetField(deal.ID, collector.FieldStatus, "Won")
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldHours, "1")
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldHourlyRate, "1")
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldProjectStartDate, "2024-01-01")
	require.NoError(t, err)
	_, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Fields, collector.FieldProjectCloseDate)

	form, err := env.Engine.Pending(deal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCloseWonLost, form.Stage)
	assert.Contains(t, form.Errors, collector.FieldProjectCloseDate)
	assert.Equal(t, 0, env.historyLen(t, deal.ID))
	assert.Equal(t, domain.StageOnBoarded, env.storedDeal(t, deal.ID).Stage)
}

func TestHourlyDealThroughPipeline(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectHourly))

	// Proposal opens empty.
	out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageProposal)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePending, out.Kind)
	assert.Equal(t, "", out.Form.Values[collector.FieldHours])
	assert.Equal(t, "", out.Form.Values[collector.FieldHourlyRate])

	_, err = env.Engine.SetField(deal.ID, collector.FieldHours, "10")
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldHourlyRate, "50")
	require.NoError(t, err)
	res, err := env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PhasePersisted, res.Phase)
	proposalID := res.Record.ID
	require.NotEmpty(t, proposalID)
	assert.Equal(t, domain.StageProposal, res.Record.StageName)
	decEq(t, "10", res.Record.Terms.Hours)
	decEq(t, "50", res.Record.Terms.HourlyRate)
	assert.Equal(t, tester.ID, res.Record.ActingUser)
	assert.Len(t, res.History, 1)

	stored := env.storedDeal(t, deal.ID)
	assert.Equal(t, domain.StageProposal, stored.Stage)
	assert.Equal(t, proposalID, stored.StageRecordIDs[domain.StageProposal])
	decEq(t, "10", stored.Terms.Hours)
	decEq(t, "50", stored.Terms.HourlyRate)

	// Negotiation is pre-filled from the Proposal record.
	out, err = env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageNegotiation)
	require.NoError(t, err)
	assert.Equal(t, "10", out.Form.Values[collector.FieldHours])
	assert.Equal(t, "50", out.Form.Values[collector.FieldHourlyRate])
	res, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	negotiationID := res.Record.ID
	assert.Equal(t, domain.StageNegotiation, res.Record.StageName)
	decEq(t, "10", res.Record.Terms.Hours)
	decEq(t, "50", res.Record.Terms.HourlyRate)
	assert.Len(t, res.History, 2)

	stored = env.storedDeal(t, deal.ID)
	assert.Equal(t, domain.StageNegotiation, stored.Stage)
	assert.Equal(t, proposalID, stored.StageRecordIDs[domain.StageProposal])
	assert.Equal(t, negotiationID, stored.StageRecordIDs[domain.StageNegotiation])

	// Close as won with the amounts seeded from the deal.
	out, err = env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageCloseWonLost)
	require.NoError(t, err)
	assert.Equal(t, "10", out.Form.Values[collector.FieldHours])
	for field, value := range map[string]string{
		collector.FieldStatus:           "Won",
		collector.FieldProjectStartDate: "2024-01-01",
		collector.FieldProjectCloseDate: "2024-06-01",
	} {
		_, err = env.Engine.SetField(deal.ID, field, value)
		require.NoError(t, err)
	}
	res, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	rec := res.Record
	assert.Equal(t, domain.StageCloseWonLost, rec.StageName)
	require.NotNil(t, rec.DealStatus)
	assert.Equal(t, domain.StatusWon, *rec.DealStatus)
	assert.Equal(t, "2024-01-01", rec.ProjectStartDate)
	assert.Equal(t, "2024-06-01", rec.ProjectCloseDate)
	assert.Equal(t, "2024-03-15", rec.CloseDate)
	decEq(t, "10", rec.Terms.Hours)
	decEq(t, "50", rec.Terms.HourlyRate)

	stored = env.storedDeal(t, deal.ID)
	assert.True(t, stored.IsConverted)
	require.NotNil(t, stored.DealStatus)
	assert.Equal(t, domain.StatusWon, *stored.DealStatus)
	assert.Empty(t, stored.LossReason)
	assert.Equal(t, 3, env.historyLen(t, deal.ID))
}

func TestNegotiationOpensEmptyWithoutProposal(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectFixed))
	out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageNegotiation)
	require.NoError(t, err)
	assert.Equal(t, "", out.Form.Values[collector.FieldAmount])
}

func TestNegotiationPrefillFetchFailureOpensEmpty(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectFixed))
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageProposal)
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldAmount, "1200")
	require.NoError(t, err)
	_, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)

	env.Store.failGet[store.CollectionStageHistory] = errors.New("ledger offline")
	out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageNegotiation)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomePending, out.Kind)
	assert.Equal(t, "", out.Form.Values[collector.FieldAmount])
}

func TestCommitAddsExactlyOneRecord(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectWise))
	steps := []struct {
		stage   domain.Stage
		payload collector.Payload
	}{
		{domain.StageDiscovery, collector.EmptyPayload{}},
		{domain.StageProposal, collector.ProjectWisePayload{
			TotalAmount:       decimal.NewFromInt(1000),
			UpfrontPercentage: decimal.NewFromInt(20),
			RemainingAmount:   decimal.NewFromInt(800),
		}},
		{domain.StageDiscovery, collector.EmptyPayload{}},
		{domain.StageProposal, collector.ProjectWisePayload{
			TotalAmount:       decimal.NewFromInt(2000),
			UpfrontPercentage: decimal.NewFromInt(50),
			RemainingAmount:   decimal.NewFromInt(1000),
		}},
	}
	var firstProposal string
	for i, step := range steps {
		before := env.historyLen(t, deal.ID)
		res, err := env.Engine.Commit(env.Ctx, tester, deal.ID, step.stage, step.payload)
		require.NoError(t, err)
		require.Len(t, res.History, before+1)
		assert.Equal(t, step.stage, res.History[len(res.History)-1].StageName)
		if i == 1 {
			firstProposal = res.Record.ID
		}
	}

	// Re-entry repoints the stage pointer and leaves the old record orphaned.
	stored := env.storedDeal(t, deal.ID)
	assert.NotEqual(t, firstProposal, stored.StageRecordIDs[domain.StageProposal])
	orphan, err := env.Engine.HistoryRecord(env.Ctx, firstProposal)
	require.NoError(t, err)
	decEq(t, "1000", orphan.Terms.TotalAmount)
	decEq(t, "2000", stored.Terms.TotalAmount)
	decEq(t, "1000", stored.Terms.RemainingAmount)
}

func TestLedgerAppendFailureLeavesDealUntouched(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectFixed))
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageProposal)
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldAmount, "500")
	require.NoError(t, err)

	env.Store.failAdd[store.CollectionStageHistory] = errors.New("disk full")
	res, err := env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	var appendErr *engine.LedgerAppendError
	require.True(t, errors.As(err, &appendErr), "got %v", err)
	assert.Equal(t, engine.PhaseNone, res.Phase)

	state, err := env.Engine.Get(env.Ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageOnBoarded, state.Deal.Stage)
	require.NotNil(t, state.PendingStage)
	assert.Equal(t, domain.StageProposal, *state.PendingStage)
	assert.False(t, state.Unsynced)
	assert.Equal(t, domain.StageOnBoarded, env.storedDeal(t, deal.ID).Stage)

	// The kept form can be submitted again once the ledger recovers.
	delete(env.Store.failAdd, store.CollectionStageHistory)
	res, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PhasePersisted, res.Phase)
	decEq(t, "500", res.Record.Terms.Amount)
}

func TestDealUpdateFailureFlagsUnsyncedAndResyncs(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectHourly))
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageCloseWonLost)
	require.NoError(t, err)
	for field, value := range map[string]string{
		collector.FieldStatus:     "Lost",
		collector.FieldLossReason: "went in-house",
	} {
		_, err = env.Engine.SetField(deal.ID, field, value)
		require.NoError(t, err)
	}

	env.Store.failUpdate[store.CollectionDeals] = errors.New("write conflict")
	res, err := env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	var persistErr *engine.DealPersistError
	require.True(t, errors.As(err, &persistErr), "got %v", err)
	assert.Equal(t, engine.PhaseApplied, res.Phase)
	assert.Equal(t, res.Record.ID, persistErr.RecordID)

	state, err := env.Engine.Get(env.Ctx, deal.ID)
	require.NoError(t, err)
	assert.True(t, state.Unsynced)
	assert.Nil(t, state.PendingStage)
	assert.Equal(t, domain.StageCloseWonLost, state.Deal.Stage)
	assert.Equal(t, "went in-house", state.Deal.LossReason)
	assert.False(t, state.Deal.IsConverted)
	assert.Equal(t, domain.StageOnBoarded, env.storedDeal(t, deal.ID).Stage)
	assert.Equal(t, 1, env.historyLen(t, deal.ID))

	// Re-requesting the stage is a no-op; the record is reused by Resync.
	out, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageCloseWonLost)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeNoOp, out.Kind)

	_, err = env.Engine.Resync(env.Ctx, tester, deal.ID)
	require.True(t, errors.As(err, &persistErr))

	delete(env.Store.failUpdate, store.CollectionDeals)
	state, err = env.Engine.Resync(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	assert.False(t, state.Unsynced)
	stored := env.storedDeal(t, deal.ID)
	assert.Equal(t, domain.StageCloseWonLost, stored.Stage)
	assert.Equal(t, res.Record.ID, stored.StageRecordIDs[domain.StageCloseWonLost])
	require.NotNil(t, stored.DealStatus)
	assert.Equal(t, domain.StatusLost, *stored.DealStatus)
	assert.Equal(t, 1, env.historyLen(t, deal.ID))
}

func TestReloadDropsUnsyncedProjection(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, nil)
	env.Store.failUpdate[store.CollectionDeals] = errors.New("offline")
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageDiscovery)
	var persistErr *engine.DealPersistError
	require.True(t, errors.As(err, &persistErr))

	state, err := env.Engine.Reload(env.Ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageOnBoarded, state.Deal.Stage)
	assert.False(t, state.Unsynced)
	// The orphaned record stays in the ledger.
	assert.Equal(t, 1, env.historyLen(t, deal.ID))
}

func TestLeavingCloseClearsStatus(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectFixed))
	_, err := env.Engine.Commit(env.Ctx, tester, deal.ID, domain.StageCloseWonLost, collector.ClosePayload{
		Status:           domain.StatusWon,
		ProjectStartDate: "2024-02-01",
		ProjectCloseDate: "2024-04-01",
		CloseDate:        "2024-01-20",
		Terms:            collector.FixedProjectPayload{Amount: decimal.NewFromInt(900)},
	})
	require.NoError(t, err)
	stored := env.storedDeal(t, deal.ID)
	assert.True(t, stored.IsConverted)
	assert.Equal(t, "2024-01-20", stored.CloseDate)

	_, err = env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageDiscovery)
	require.NoError(t, err)
	stored = env.storedDeal(t, deal.ID)
	assert.Nil(t, stored.DealStatus)
	assert.Empty(t, stored.LossReason)
	assert.True(t, stored.IsConverted, "conversion is never cleared")
	decEq(t, "900", stored.Terms.Amount)

	_, err = env.Engine.Commit(env.Ctx, tester, deal.ID, domain.StageCloseWonLost, collector.ClosePayload{
		Status:     domain.StatusLost,
		LossReason: "budget",
	})
	require.NoError(t, err)
	stored = env.storedDeal(t, deal.ID)
	assert.True(t, stored.IsConverted)
	require.NotNil(t, stored.DealStatus)
	assert.Equal(t, domain.StatusLost, *stored.DealStatus)
	assert.Equal(t, "budget", stored.LossReason)
}

func TestProposalSetsMissingProjectType(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, nil)
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageProposal)
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldProjectType, string(domain.ProjectRemoteJob))
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldSalaryAmount, "4200")
	require.NoError(t, err)
	res, err := env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SalaryMonthly, res.Record.Terms.SalaryTerms)

	stored := env.storedDeal(t, deal.ID)
	require.NotNil(t, stored.ProjectType)
	assert.Equal(t, domain.ProjectRemoteJob, *stored.ProjectType)
	decEq(t, "4200", stored.Terms.SalaryAmount)
}

func TestMilestoneEditsThroughEngine(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectMilestone))
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageProposal)
	require.NoError(t, err)
	assert.ErrorIs(t, env.Engine.RemoveMilestone(deal.ID, 0), collector.ErrLastMilestone)
	idx, err := env.Engine.AddMilestone(deal.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	for field, value := range map[string]string{
		"milestones[0].description": "Design",
		"milestones[0].amount":      "250",
		"milestones[1].description": "Launch",
		"milestones[1].amount":      "750",
	} {
		_, err = env.Engine.SetField(deal.ID, field, value)
		require.NoError(t, err)
	}
	res, err := env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	require.NoError(t, err)
	require.Len(t, res.Record.Terms.Milestones, 2)
	assert.Equal(t, "Launch", res.Record.Terms.Milestones[1].Description)
}

func TestApplyEditPreservesStageLinkage(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectFixed))
	res, err := env.Engine.Commit(env.Ctx, tester, deal.ID, domain.StageProposal, collector.FixedProjectPayload{Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	amount := decimal.NewFromInt(25)
	state, err := env.Engine.ApplyEdit(env.Ctx, tester, deal.ID, domain.Deal{
		Name:  "Acme rebuild v2",
		Stage: domain.StageCloseWonLost,
		Terms: domain.Terms{Amount: &amount},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageProposal, state.Deal.Stage)
	assert.Equal(t, res.Record.ID, state.Deal.StageRecordIDs[domain.StageProposal])

	stored := env.storedDeal(t, deal.ID)
	assert.Equal(t, "Acme rebuild v2", stored.Name)
	assert.Equal(t, domain.StageProposal, stored.Stage)
	decEq(t, "25", stored.Terms.Amount)
	assert.Nil(t, stored.ProjectType)
}

func TestCommitEventsAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, nil)
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageDiscovery)
	require.NoError(t, err)
	evts, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: deal.ID})
	require.NoError(t, err)
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	assert.True(t, types[events.DealCreated])
	assert.True(t, types[events.TransitionCommitted])
}

func TestOperationsOnUnknownDeal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RequestTransition(env.Ctx, tester, "missing", domain.StageDiscovery)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, env.Engine.CancelPending("missing"), engine.ErrDealNotLoaded)
	_, err = env.Engine.HistoryRecord(env.Ctx, "missing")
	assert.Error(t, err)
}

func TestHourlyDealClosesWonWithDatesOnly(t *testing.T) {
	for name, pt := range map[string]*domain.ProjectType{
		"hourly":          ptype(domain.ProjectHourly),
		"no project type": nil,
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			deal := env.createDeal(t, pt)
			_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageCloseWonLost)
			require.NoError(t, err)
			for field, value := range map[string]string{
				collector.FieldStatus:           "Won",
				collector.FieldProjectStartDate: "2024-01-01",
				collector.FieldProjectCloseDate: "2024-06-01",
			} {
				_, err = env.Engine.SetField(deal.ID, field, value)
				require.NoError(t, err)
			}
			res, err := env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
			require.NoError(t, err)
			assert.Equal(t, engine.PhasePersisted, res.Phase)
			assert.Nil(t, res.Record.Terms.Hours)
			assert.Nil(t, res.Record.Terms.HourlyRate)

			stored := env.storedDeal(t, deal.ID)
			assert.Equal(t, domain.StageCloseWonLost, stored.Stage)
			require.NotNil(t, stored.DealStatus)
			assert.Equal(t, domain.StatusWon, *stored.DealStatus)
			assert.Equal(t, "2024-01-01", stored.ProjectStartDate)
			assert.Equal(t, "2024-06-01", stored.ProjectCloseDate)
			assert.True(t, stored.IsConverted)
		})
	}
}

func TestFailedCommitDoesNotReopenReplacedForm(t *testing.T) {
	env := newTestEnv(t)
	deal := env.createDeal(t, ptype(domain.ProjectFixed))
	_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageProposal)
	require.NoError(t, err)
	_, err = env.Engine.SetField(deal.ID, collector.FieldAmount, "500")
	require.NoError(t, err)
	v, err := env.Engine.Projection.Get(deal.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Pending)
	first := v.Pending.Form

	// Another request replaces the session while the ledger append is in flight.
	env.Store.beforeAdd = func(collection string) {
		if collection != store.CollectionStageHistory {
			return
		}
		env.Store.beforeAdd = nil
		_, err := env.Engine.RequestTransition(env.Ctx, tester, deal.ID, domain.StageNegotiation)
		require.NoError(t, err)
	}
	env.Store.failAdd[store.CollectionStageHistory] = errors.New("disk full")
	_, err = env.Engine.SubmitPending(env.Ctx, tester, deal.ID)
	var appendErr *engine.LedgerAppendError
	require.ErrorAs(t, err, &appendErr)

	assert.True(t, first.Closed())
	state, err := env.Engine.Get(env.Ctx, deal.ID)
	require.NoError(t, err)
	require.NotNil(t, state.PendingStage)
	assert.Equal(t, domain.StageNegotiation, *state.PendingStage)
}

func TestListDealsPages(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.createDeal(t, nil).ID)
	}
	_, err := env.Engine.RequestTransition(env.Ctx, tester, ids[1], domain.StageDiscovery)
	require.NoError(t, err)

	all, err := env.Engine.ListDeals(env.Ctx, engine.DealQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := env.Engine.ListDeals(env.Ctx, engine.DealQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].Deal.ID)
	assert.Equal(t, domain.StageDiscovery, page[1].Deal.Stage)

	rest, err := env.Engine.ListDeals(env.Ctx, engine.DealQuery{Limit: 2, After: page[1].Deal.ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].Deal.ID)

	onboarded, err := env.Engine.ListDeals(env.Ctx, engine.DealQuery{Stage: domain.StageOnBoarded})
	require.NoError(t, err)
	assert.Len(t, onboarded, 2)
}
