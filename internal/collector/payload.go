package collector

import (
	"github.com/shopspring/decimal"

	"dealline/internal/domain"
)

// Payload is the validated result of a stage form. Exactly one concrete type
// per project type, plus ClosePayload for the close stage and EmptyPayload for
// ungated stages.
type Payload interface {
	isPayload()
}

type EmptyPayload struct{}

type FixedProjectPayload struct {
	Amount decimal.Decimal
}

type MilestonePayload struct {
	Milestones []domain.Milestone
}

type RemoteJobPayload struct {
	SalaryAmount decimal.Decimal
	SalaryTerms  domain.SalaryTerms
}

type ProjectWisePayload struct {
	TotalAmount       decimal.Decimal
	UpfrontPercentage decimal.Decimal
	RemainingAmount   decimal.Decimal
}

type HourlyPayload struct {
	Hours      decimal.Decimal
	HourlyRate decimal.Decimal
}

// ClosePayload carries the close decision. Terms is the reviewed project-type
// subform and may be nil when nothing was entered for a lost deal.
type ClosePayload struct {
	Status           domain.DealStatus
	LossReason       string
	ProjectStartDate string
	ProjectCloseDate string
	CloseDate        string
	Terms            Payload
}

func (EmptyPayload) isPayload()        {}
func (FixedProjectPayload) isPayload() {}
func (MilestonePayload) isPayload()    {}
func (RemoteJobPayload) isPayload()    {}
func (ProjectWisePayload) isPayload()  {}
func (HourlyPayload) isPayload()       {}
func (ClosePayload) isPayload()        {}

// ProjectTypeOf returns the project type a payload variant belongs to.
func ProjectTypeOf(p Payload) (domain.ProjectType, bool) {
	switch v := p.(type) {
	case FixedProjectPayload:
		return domain.ProjectFixed, true
	case MilestonePayload:
		return domain.ProjectMilestone, true
	case RemoteJobPayload:
		return domain.ProjectRemoteJob, true
	case ProjectWisePayload:
		return domain.ProjectWise, true
	case HourlyPayload:
		return domain.ProjectHourly, true
	case ClosePayload:
		if v.Terms != nil {
			return ProjectTypeOf(v.Terms)
		}
	}
	return "", false
}

// RemainingAmount is total × (1 − upfront/100).
func RemainingAmount(total, upfrontPercentage decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	return total.Mul(decimal.NewFromInt(1).Sub(upfrontPercentage.Div(hundred)))
}
