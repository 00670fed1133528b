package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealline/internal/db"
	"dealline/internal/domain"
	"dealline/internal/ledger"
	"dealline/internal/migrate"
	"dealline/internal/repo"
)

func newLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return ledger.New(repo.Repo{DB: conn}), context.Background()
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestAppendAlwaysCreatesNewRecord(t *testing.T) {
	l, ctx := newLedger(t)
	rec := domain.StageHistoryRecord{ID: "ignored", OpportunityID: "d1", StageName: domain.StageProposal, Terms: domain.Terms{Amount: dec("100")}}
	first, err := l.Append(ctx, rec)
	require.NoError(t, err)
	second, err := l.Append(ctx, rec)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, "ignored", first)

	_, err = l.Append(ctx, domain.StageHistoryRecord{OpportunityID: "d2", StageName: domain.StageDiscovery})
	require.NoError(t, err)

	list, err := l.ListFor(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.True(t, list[0].Terms.Amount.Equal(decimal.NewFromInt(100)))
}

func TestAppendRejectsIncompleteRecords(t *testing.T) {
	l, ctx := newLedger(t)
	_, err := l.Append(ctx, domain.StageHistoryRecord{StageName: domain.StageProposal})
	assert.Error(t, err)
	_, err = l.Append(ctx, domain.StageHistoryRecord{OpportunityID: "d1", StageName: "Won"})
	assert.Error(t, err)
}

func TestGetByID(t *testing.T) {
	l, ctx := newLedger(t)
	id, err := l.Append(ctx, domain.StageHistoryRecord{OpportunityID: "d1", StageName: domain.StageNegotiation, ActingUser: "alice"})
	require.NoError(t, err)
	rec, err := l.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.ActingUser)
	assert.Equal(t, domain.StageNegotiation, rec.StageName)

	_, err = l.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.GetByID(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDetailFollowsProjectType(t *testing.T) {
	hourly := domain.ProjectHourly
	won := domain.StatusWon
	rec := domain.StageHistoryRecord{
		StageName:   domain.StageCloseWonLost,
		ProjectType: &hourly,
		Terms: domain.Terms{
			Amount:     dec("999"),
			Hours:      dec("10"),
			HourlyRate: dec("50"),
		},
		DealStatus:       &won,
		ProjectStartDate: "2024-01-01",
		ProjectCloseDate: "2024-06-01",
	}
	labels := map[string]string{}
	for _, f := range ledger.Detail(rec) {
		labels[f.Label] = f.Value
	}
	assert.Equal(t, "10", labels["Hours"])
	assert.Equal(t, "50.00", labels["Hourly Rate"])
	assert.Equal(t, "500.00", labels["Total"])
	assert.Equal(t, "Won", labels["Status"])
	assert.Equal(t, "2024-06-01", labels["Project Close"])
	assert.NotContains(t, labels, "Amount")
}
