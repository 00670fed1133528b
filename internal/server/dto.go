package server

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/ledger"
)

type MilestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount" example:"250.00"`
}

// TermsRequest carries amounts as decimal strings.
type TermsRequest struct {
	Amount            string             `json:"amount,omitempty"`
	Milestones        []MilestoneRequest `json:"milestones,omitempty"`
	SalaryAmount      string             `json:"salaryAmount,omitempty"`
	SalaryTerms       string             `json:"salaryTerms,omitempty" enum:"Weekly,Monthly"`
	TotalAmount       string             `json:"totalAmount,omitempty"`
	UpfrontPercentage string             `json:"upfrontPercentage,omitempty"`
	RemainingAmount   string             `json:"remainingAmount,omitempty"`
	Hours             string             `json:"hours,omitempty"`
	HourlyRate        string             `json:"hourlyRate,omitempty"`
}

type CreateDealRequest struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name" example:"Acme storefront rebuild"`
	ProjectType string       `json:"projectType,omitempty" enum:"FixedProject,MilestoneBased,RemoteJob,ProjectWise,Hourly"`
	OwnerID     string       `json:"ownerId,omitempty"`
	Terms       TermsRequest `json:"terms,omitempty"`
}

// EditDealRequest is the full replacement sent by the deal editor. Stage and
// stage linkage are not editable.
type EditDealRequest struct {
	Name             string       `json:"name"`
	ProjectType      string       `json:"projectType,omitempty" enum:"FixedProject,MilestoneBased,RemoteJob,ProjectWise,Hourly"`
	OwnerID          string       `json:"ownerId,omitempty"`
	Terms            TermsRequest `json:"terms,omitempty"`
	ProjectStartDate string       `json:"projectStartDate,omitempty"`
	ProjectCloseDate string       `json:"projectCloseDate,omitempty"`
	CloseDate        string       `json:"closeDate,omitempty"`
}

type TransitionRequest struct {
	Stage string `json:"stage" example:"Proposal"`
}

type PendingEditRequest struct {
	Fields          map[string]string `json:"fields,omitempty"`
	AddMilestones   int               `json:"add_milestones,omitempty" minimum:"0"`
	RemoveMilestone *int              `json:"remove_milestone,omitempty"`
}

type DealResponse struct {
	domain.Deal
	PendingStage *domain.Stage `json:"pendingStage,omitempty"`
	Unsynced     bool          `json:"unsynced"`
}

type TransitionResponse struct {
	Outcome string              `json:"outcome" enum:"noop,pending,committed"`
	Stage   domain.Stage        `json:"stage"`
	Form    *engine.PendingForm `json:"form,omitempty"`
	Commit  *CommitResponse     `json:"commit,omitempty"`
}

type CommitResponse struct {
	Phase   engine.Phase                `json:"phase"`
	Record  domain.StageHistoryRecord   `json:"record"`
	Deal    domain.Deal                 `json:"deal"`
	History []domain.StageHistoryRecord `json:"history"`
}

type HistoryItem struct {
	domain.StageHistoryRecord
	Current bool `json:"current"`
}

type HistoryDetailResponse struct {
	Record domain.StageHistoryRecord `json:"record"`
	Fields []ledger.Field            `json:"fields"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func dealResponse(st engine.DealState) DealResponse {
	return DealResponse{Deal: st.Deal, PendingStage: st.PendingStage, Unsynced: st.Unsynced}
}

func commitResponse(res engine.CommitResult) *CommitResponse {
	history := res.History
	if history == nil {
		history = []domain.StageHistoryRecord{}
	}
	return &CommitResponse{Phase: res.Phase, Record: res.Record, Deal: res.Deal, History: history}
}

func historyItems(deal domain.Deal, recs []domain.StageHistoryRecord) []HistoryItem {
	out := make([]HistoryItem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, HistoryItem{
			StageHistoryRecord: rec,
			Current:            deal.StageRecordIDs[rec.StageName] == rec.ID,
		})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func parseProjectType(raw string) (*domain.ProjectType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pt := domain.ProjectType(raw)
	if !pt.Valid() {
		return nil, fmt.Errorf("invalid projectType %q", raw)
	}
	return &pt, nil
}

func (t TermsRequest) toDomain() (domain.Terms, error) {
	var out domain.Terms
	var err error
	parse := func(field, raw string) *decimal.Decimal {
		raw = strings.TrimSpace(raw)
		if raw == "" || err != nil {
			return nil
		}
		d, perr := decimal.NewFromString(raw)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %q", field, raw)
			return nil
		}
		return &d
	}
	out.Amount = parse("amount", t.Amount)
	out.SalaryAmount = parse("salaryAmount", t.SalaryAmount)
	out.TotalAmount = parse("totalAmount", t.TotalAmount)
	out.UpfrontPercentage = parse("upfrontPercentage", t.UpfrontPercentage)
	out.RemainingAmount = parse("remainingAmount", t.RemainingAmount)
	out.Hours = parse("hours", t.Hours)
	out.HourlyRate = parse("hourlyRate", t.HourlyRate)
	out.SalaryTerms = domain.SalaryTerms(t.SalaryTerms)
	for i, m := range t.Milestones {
		amt := parse(fmt.Sprintf("milestones[%d].amount", i), m.Amount)
		if amt == nil {
			if err == nil {
				err = fmt.Errorf("invalid milestones[%d].amount: required", i)
			}
			break
		}
		out.Milestones = append(out.Milestones, domain.Milestone{Description: m.Description, Amount: *amt})
	}
	if err != nil {
		return domain.Terms{}, err
	}
	return out, nil
}
