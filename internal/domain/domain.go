package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Stage string

const (
	StageOnBoarded    Stage = "OnBoarded"
	StageDiscovery    Stage = "Discovery"
	StageProposal     Stage = "Proposal"
	StageNegotiation  Stage = "Negotiation"
	StageCloseWonLost Stage = "CloseWonLost"
)

// Stages lists the pipeline stages in display order.
var Stages = []Stage{StageOnBoarded, StageDiscovery, StageProposal, StageNegotiation, StageCloseWonLost}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Gated reports whether entering the stage requires a collected payload.
func (s Stage) Gated() bool {
	return s == StageProposal || s == StageNegotiation || s == StageCloseWonLost
}

// ParseStage accepts the canonical names plus a few spellings used by the UI.
func ParseStage(in string) (Stage, error) {
	switch in {
	case "OnBoarded", "onboarded", "on_boarded":
		return StageOnBoarded, nil
	case "Discovery", "discovery":
		return StageDiscovery, nil
	case "Proposal", "proposal":
		return StageProposal, nil
	case "Negotiation", "negotiation":
		return StageNegotiation, nil
	case "CloseWonLost", "close", "close_won_lost", "Close Won/Lost":
		return StageCloseWonLost, nil
	}
	return "", fmt.Errorf("unknown stage %q", in)
}

type ProjectType string

const (
	ProjectFixed     ProjectType = "FixedProject"
	ProjectMilestone ProjectType = "MilestoneBased"
	ProjectRemoteJob ProjectType = "RemoteJob"
	ProjectWise      ProjectType = "ProjectWise"
	ProjectHourly    ProjectType = "Hourly"
)

var ProjectTypes = []ProjectType{ProjectFixed, ProjectMilestone, ProjectRemoteJob, ProjectWise, ProjectHourly}

func (p ProjectType) Valid() bool {
	for _, pt := range ProjectTypes {
		if p == pt {
			return true
		}
	}
	return false
}

type DealStatus string

const (
	StatusWon  DealStatus = "Won"
	StatusLost DealStatus = "Lost"
)

type SalaryTerms string

const (
	SalaryWeekly  SalaryTerms = "Weekly"
	SalaryMonthly SalaryTerms = "Monthly"
)

// Milestone is one billable step of a milestone-based deal.
type Milestone struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Terms is the project-type payload bag shared by deals and history records.
// Only the fields relevant to the deal's project type are set.
type Terms struct {
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	Milestones        []Milestone      `json:"milestones,omitempty"`
	SalaryAmount      *decimal.Decimal `json:"salaryAmount,omitempty"`
	SalaryTerms       SalaryTerms      `json:"salaryTerms,omitempty"`
	TotalAmount       *decimal.Decimal `json:"totalAmount,omitempty"`
	UpfrontPercentage *decimal.Decimal `json:"upfrontPercentage,omitempty"`
	RemainingAmount   *decimal.Decimal `json:"remainingAmount,omitempty"`
	Hours             *decimal.Decimal `json:"hours,omitempty"`
	HourlyRate        *decimal.Decimal `json:"hourlyRate,omitempty"`
}

// IsZero reports whether no payload field is set.
func (t Terms) IsZero() bool {
	return t.Amount == nil && len(t.Milestones) == 0 && t.SalaryAmount == nil && t.SalaryTerms == "" &&
		t.TotalAmount == nil && t.UpfrontPercentage == nil && t.RemainingAmount == nil &&
		t.Hours == nil && t.HourlyRate == nil
}

// Deal is the persisted opportunity document.
type Deal struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Stage            Stage            `json:"stage"`
	ProjectType      *ProjectType     `json:"projectType,omitempty"`
	StageRecordIDs   map[Stage]string `json:"stageRecordIds,omitempty"`
	Terms            Terms            `json:"terms"`
	DealStatus       *DealStatus      `json:"dealStatus,omitempty"`
	LossReason       string           `json:"lossReason,omitempty"`
	ProjectStartDate string           `json:"projectStartDate,omitempty"`
	ProjectCloseDate string           `json:"projectCloseDate,omitempty"`
	CloseDate        string           `json:"closeDate,omitempty"`
	IsConverted      bool             `json:"isConverted"`
	OwnerID          string           `json:"ownerId,omitempty"`
	CreatedAt        string           `json:"createdAt" format:"date-time"`
	ModifiedTime     string           `json:"modifiedTime" format:"date-time"`
}

// Clone returns a deep copy so projections never share maps or slices.
func (d Deal) Clone() Deal {
	out := d
	if d.ProjectType != nil {
		pt := *d.ProjectType
		out.ProjectType = &pt
	}
	if d.DealStatus != nil {
		st := *d.DealStatus
		out.DealStatus = &st
	}
	if d.StageRecordIDs != nil {
		out.StageRecordIDs = make(map[Stage]string, len(d.StageRecordIDs))
		for k, v := range d.StageRecordIDs {
			out.StageRecordIDs[k] = v
		}
	}
	if d.Terms.Milestones != nil {
		out.Terms.Milestones = append([]Milestone(nil), d.Terms.Milestones...)
	}
	return out
}

// StageHistoryRecord is one immutable ledger entry.
type StageHistoryRecord struct {
	ID               string       `json:"id"`
	OpportunityID    string       `json:"opportunityId"`
	StageName        Stage        `json:"stageName"`
	StartDate        string       `json:"startDate" format:"date-time"`
	ModifiedTime     string       `json:"modifiedTime" format:"date-time"`
	ActingUser       string       `json:"actingUser"`
	ProjectType      *ProjectType `json:"projectType,omitempty"`
	Terms            Terms        `json:"terms"`
	DealStatus       *DealStatus  `json:"dealStatus,omitempty"`
	LossReason       string       `json:"lossReason,omitempty"`
	ProjectStartDate string       `json:"projectStartDate,omitempty"`
	ProjectCloseDate string       `json:"projectCloseDate,omitempty"`
	CloseDate        string       `json:"closeDate,omitempty"`
}

// Actor is the user performing a pipeline action.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ForProjectType keeps only the fields that belong to pt. A nil pt keeps nothing.
func (t Terms) ForProjectType(pt *ProjectType) Terms {
	if pt == nil {
		return Terms{}
	}
	switch *pt {
	case ProjectFixed:
		return Terms{Amount: t.Amount}
	case ProjectMilestone:
		return Terms{Milestones: append([]Milestone(nil), t.Milestones...)}
	case ProjectRemoteJob:
		return Terms{SalaryAmount: t.SalaryAmount, SalaryTerms: t.SalaryTerms}
	case ProjectWise:
		return Terms{TotalAmount: t.TotalAmount, UpfrontPercentage: t.UpfrontPercentage, RemainingAmount: t.RemainingAmount}
	case ProjectHourly:
		return Terms{Hours: t.Hours, HourlyRate: t.HourlyRate}
	}
	return Terms{}
}
