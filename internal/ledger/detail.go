package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dealline/internal/domain"
)

// Field is one labelled, read-only value of a record detail view.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Detail renders the fields shown when a history row is opened. The amount
// fields follow the record's project type.
func Detail(rec domain.StageHistoryRecord) []Field {
	fields := []Field{
		{Label: "Stage", Value: string(rec.StageName)},
		{Label: "Start Date", Value: rec.StartDate},
		{Label: "Modified", Value: rec.ModifiedTime},
		{Label: "Acting User", Value: rec.ActingUser},
	}
	if rec.ProjectType != nil {
		fields = append(fields, Field{Label: "Project Type", Value: string(*rec.ProjectType)})
	}
	t := rec.Terms.ForProjectType(rec.ProjectType)
	fields = appendAmount(fields, "Amount", t.Amount)
	for i, m := range t.Milestones {
		fields = append(fields, Field{
			Label: fmt.Sprintf("Milestone %d", i+1),
			Value: fmt.Sprintf("%s: %s", m.Description, m.Amount.StringFixed(2)),
		})
	}
	fields = appendAmount(fields, "Salary", t.SalaryAmount)
	if t.SalaryTerms != "" {
		fields = append(fields, Field{Label: "Salary Terms", Value: string(t.SalaryTerms)})
	}
	fields = appendAmount(fields, "Total Amount", t.TotalAmount)
	if t.UpfrontPercentage != nil {
		fields = append(fields, Field{Label: "Upfront %", Value: t.UpfrontPercentage.String()})
	}
	fields = appendAmount(fields, "Remaining Amount", t.RemainingAmount)
	if t.Hours != nil {
		fields = append(fields, Field{Label: "Hours", Value: t.Hours.String()})
	}
	fields = appendAmount(fields, "Hourly Rate", t.HourlyRate)
	if t.Hours != nil && t.HourlyRate != nil {
		fields = append(fields, Field{Label: "Total", Value: t.Hours.Mul(*t.HourlyRate).StringFixed(2)})
	}
	if rec.DealStatus != nil {
		fields = append(fields, Field{Label: "Status", Value: string(*rec.DealStatus)})
	}
	if rec.LossReason != "" {
		fields = append(fields, Field{Label: "Loss Reason", Value: rec.LossReason})
	}
	if rec.ProjectStartDate != "" {
		fields = append(fields, Field{Label: "Project Start", Value: rec.ProjectStartDate})
	}
	if rec.ProjectCloseDate != "" {
		fields = append(fields, Field{Label: "Project Close", Value: rec.ProjectCloseDate})
	}
	if rec.CloseDate != "" {
		fields = append(fields, Field{Label: "Close Date", Value: rec.CloseDate})
	}
	return fields
}

func appendAmount(fields []Field, label string, v *decimal.Decimal) []Field {
	if v == nil {
		return fields
	}
	return append(fields, Field{Label: label, Value: v.StringFixed(2)})
}
