// Package collector implements the stage payload forms that gate the
// Proposal, Negotiation and CloseWonLost transitions.
package collector

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealline/internal/domain"
)

// Logical field names accepted by SetField.
const (
	FieldProjectType       = "projectType"
	FieldAmount            = "amount"
	FieldSalaryAmount      = "salaryAmount"
	FieldSalaryTerms       = "salaryTerms"
	FieldTotalAmount       = "totalAmount"
	FieldUpfrontPercentage = "upfrontPercentage"
	FieldRemainingAmount   = "remainingAmount"
	FieldHours             = "hours"
	FieldHourlyRate        = "hourlyRate"
	FieldMilestones        = "milestones"
	FieldStatus            = "status"
	FieldLossReason        = "lossReason"
	FieldProjectStartDate  = "projectStartDate"
	FieldProjectCloseDate  = "projectCloseDate"
	FieldCloseDate         = "closeDate"
)

const dateLayout = "2006-01-02"

var (
	ErrFormClosed    = errors.New("form is closed")
	ErrReadOnlyField = errors.New("field is read-only")
	ErrUnknownField  = errors.New("unknown field")
	ErrLastMilestone = errors.New("at least one milestone is required")
)

// ValidationError lists per-field messages. Nothing is submitted when it is
// returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// MilestoneInput is one editable milestone row.
type MilestoneInput struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// Seed pre-fills a form.
type Seed struct {
	ProjectType      *domain.ProjectType
	Terms            domain.Terms
	Status           *domain.DealStatus
	LossReason       string
	ProjectStartDate string
	ProjectCloseDate string
	CloseDate        string
}

// Options tune defaults that come from configuration.
type Options struct {
	DefaultSalaryTerms domain.SalaryTerms
}

// Form holds raw user input for one gated stage. Values are kept as typed and
// parsed only on Submit, except remainingAmount which is derived on every edit.
type Form struct {
	stage       domain.Stage
	typeLocked  bool
	values      map[string]string
	milestones  []MilestoneInput
	errors      map[string]string
	closed      bool
	salaryTerms domain.SalaryTerms
}

// Open builds the form for a gated stage. Negotiation uses the Proposal
// schema; CloseWonLost adds the status fields on top of it.
func Open(stage domain.Stage, seed Seed, opts Options) (*Form, error) {
	if !stage.Gated() {
		return nil, fmt.Errorf("stage %s has no form", stage)
	}
	if opts.DefaultSalaryTerms == "" {
		opts.DefaultSalaryTerms = domain.SalaryMonthly
	}
	f := &Form{
		stage:       stage,
		values:      map[string]string{},
		errors:      map[string]string{},
		salaryTerms: opts.DefaultSalaryTerms,
	}
	if seed.ProjectType != nil && seed.ProjectType.Valid() {
		f.typeLocked = true
		f.values[FieldProjectType] = string(*seed.ProjectType)
	}
	f.seedTerms(seed.Terms)
	if stage == domain.StageCloseWonLost {
		if seed.Status != nil {
			f.values[FieldStatus] = string(*seed.Status)
		}
		setIf(f.values, FieldLossReason, seed.LossReason)
		setIf(f.values, FieldProjectStartDate, seed.ProjectStartDate)
		setIf(f.values, FieldProjectCloseDate, seed.ProjectCloseDate)
		setIf(f.values, FieldCloseDate, seed.CloseDate)
	}
	f.applyTypeDefaults()
	return f, nil
}

func (f *Form) seedTerms(t domain.Terms) {
	setDecimal(f.values, FieldAmount, t.Amount)
	setDecimal(f.values, FieldSalaryAmount, t.SalaryAmount)
	if t.SalaryTerms != "" {
		f.values[FieldSalaryTerms] = string(t.SalaryTerms)
	}
	setDecimal(f.values, FieldTotalAmount, t.TotalAmount)
	setDecimal(f.values, FieldUpfrontPercentage, t.UpfrontPercentage)
	setDecimal(f.values, FieldHours, t.Hours)
	setDecimal(f.values, FieldHourlyRate, t.HourlyRate)
	for _, m := range t.Milestones {
		f.milestones = append(f.milestones, MilestoneInput{Description: m.Description, Amount: m.Amount.String()})
	}
	f.recomputeRemaining()
}

// applyTypeDefaults fills per-variant defaults once a project type is known.
func (f *Form) applyTypeDefaults() {
	pt, ok := f.ProjectType()
	if !ok {
		return
	}
	switch pt {
	case domain.ProjectRemoteJob:
		if f.values[FieldSalaryTerms] == "" {
			f.values[FieldSalaryTerms] = string(f.salaryTerms)
		}
	case domain.ProjectMilestone:
		if len(f.milestones) == 0 {
			f.milestones = []MilestoneInput{{}}
		}
	}
}

func (f *Form) Stage() domain.Stage { return f.stage }

func (f *Form) Closed() bool { return f.closed }

// ProjectType returns the selected project type, if any.
func (f *Form) ProjectType() (domain.ProjectType, bool) {
	pt := domain.ProjectType(f.values[FieldProjectType])
	return pt, pt.Valid()
}

// Value returns the raw input of a scalar field.
func (f *Form) Value(field string) string { return f.values[field] }

func (f *Form) Milestones() []MilestoneInput {
	return append([]MilestoneInput(nil), f.milestones...)
}

// Errors returns the per-field markers of the last failed Submit.
func (f *Form) Errors() map[string]string {
	out := make(map[string]string, len(f.errors))
	for k, v := range f.errors {
		out[k] = v
	}
	return out
}

// Fields lists the editable fields of the current schema.
func (f *Form) Fields() []string {
	var fields []string
	if !f.typeLocked {
		fields = append(fields, FieldProjectType)
	}
	if f.stage == domain.StageCloseWonLost {
		fields = append(fields, FieldStatus, FieldLossReason, FieldProjectStartDate, FieldProjectCloseDate, FieldCloseDate)
	}
	pt, ok := f.ProjectType()
	if !ok {
		return fields
	}
	return append(fields, variantFields(pt)...)
}

func variantFields(pt domain.ProjectType) []string {
	switch pt {
	case domain.ProjectFixed:
		return []string{FieldAmount}
	case domain.ProjectMilestone:
		return []string{FieldMilestones}
	case domain.ProjectRemoteJob:
		return []string{FieldSalaryAmount, FieldSalaryTerms}
	case domain.ProjectWise:
		return []string{FieldTotalAmount, FieldUpfrontPercentage}
	case domain.ProjectHourly:
		return []string{FieldHours, FieldHourlyRate}
	}
	return nil
}

// SetField records one keystroke-level edit. Milestone rows are addressed as
// "milestones[i].description" and "milestones[i].amount".
func (f *Form) SetField(field, value string) error {
	if f.closed {
		return ErrFormClosed
	}
	if field == FieldRemainingAmount {
		return ErrReadOnlyField
	}
	if strings.HasPrefix(field, FieldMilestones+"[") {
		return f.setMilestoneField(field, value)
	}
	switch field {
	case FieldProjectType:
		if f.typeLocked {
			return ErrReadOnlyField
		}
		f.values[field] = value
		f.applyTypeDefaults()
	case FieldAmount, FieldSalaryAmount, FieldSalaryTerms, FieldHours, FieldHourlyRate:
		f.values[field] = value
	case FieldTotalAmount, FieldUpfrontPercentage:
		f.values[field] = value
		f.recomputeRemaining()
	case FieldStatus, FieldLossReason, FieldProjectStartDate, FieldProjectCloseDate, FieldCloseDate:
		if f.stage != domain.StageCloseWonLost {
			return fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
		f.values[field] = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	delete(f.errors, field)
	return nil
}

func (f *Form) setMilestoneField(field, value string) error {
	rest := strings.TrimPrefix(field, FieldMilestones+"[")
	idxStr, attr, ok := strings.Cut(rest, "].")
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(f.milestones) {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	switch attr {
	case "description":
		f.milestones[idx].Description = value
	case "amount":
		f.milestones[idx].Amount = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	delete(f.errors, field)
	return nil
}

// AddMilestone appends an empty row and returns its index.
func (f *Form) AddMilestone() (int, error) {
	if f.closed {
		return 0, ErrFormClosed
	}
	f.milestones = append(f.milestones, MilestoneInput{})
	return len(f.milestones) - 1, nil
}

// RemoveMilestone drops row i. The last remaining row cannot be removed.
func (f *Form) RemoveMilestone(i int) error {
	if f.closed {
		return ErrFormClosed
	}
	if i < 0 || i >= len(f.milestones) {
		return fmt.Errorf("milestone %d out of range", i)
	}
	if len(f.milestones) == 1 {
		return ErrLastMilestone
	}
	f.milestones = append(f.milestones[:i], f.milestones[i+1:]...)
	return nil
}

func (f *Form) recomputeRemaining() {
	total, errT := decimal.NewFromString(strings.TrimSpace(f.values[FieldTotalAmount]))
	pct, errP := decimal.NewFromString(strings.TrimSpace(f.values[FieldUpfrontPercentage]))
	if errT != nil || errP != nil {
		delete(f.values, FieldRemainingAmount)
		return
	}
	f.values[FieldRemainingAmount] = RemainingAmount(total, pct).String()
}

// Cancel closes the form without producing a payload.
func (f *Form) Cancel() {
	f.closed = true
}

// Reopen makes a submitted form editable again after the commit that consumed
// its payload failed.
func (f *Form) Reopen() {
	f.closed = false
}

// Submit validates the whole form. On success the form is closed and the
// payload returned; on failure the form stays open with error markers.
func (f *Form) Submit() (Payload, error) {
	if f.closed {
		return nil, ErrFormClosed
	}
	v := newValidator(f)
	var payload Payload
	if f.stage == domain.StageCloseWonLost {
		payload = v.closePayload()
	} else {
		payload = v.stagePayload()
	}
	if len(v.errs) > 0 {
		f.errors = v.errs
		return nil, &ValidationError{Fields: v.errs}
	}
	f.errors = map[string]string{}
	f.closed = true
	return payload, nil
}

type validator struct {
	f    *Form
	errs map[string]string
}

func newValidator(f *Form) *validator {
	return &validator{f: f, errs: map[string]string{}}
}

func (v *validator) fail(field, msg string) {
	if _, ok := v.errs[field]; !ok {
		v.errs[field] = msg
	}
}

func (v *validator) stagePayload() Payload {
	pt, ok := v.f.ProjectType()
	if !ok {
		v.fail(FieldProjectType, "project type is required")
		return nil
	}
	return v.variant(pt, true)
}

func (v *validator) closePayload() Payload {
	vals := v.f.values
	p := ClosePayload{
		LossReason:       strings.TrimSpace(vals[FieldLossReason]),
		ProjectStartDate: strings.TrimSpace(vals[FieldProjectStartDate]),
		ProjectCloseDate: strings.TrimSpace(vals[FieldProjectCloseDate]),
		CloseDate:        strings.TrimSpace(vals[FieldCloseDate]),
	}
	switch domain.DealStatus(strings.TrimSpace(vals[FieldStatus])) {
	case domain.StatusWon:
		p.Status = domain.StatusWon
		v.date(FieldProjectStartDate, p.ProjectStartDate, true)
		v.date(FieldProjectCloseDate, p.ProjectCloseDate, true)
		p.LossReason = ""
	case domain.StatusLost:
		p.Status = domain.StatusLost
		if p.LossReason == "" {
			v.fail(FieldLossReason, "loss reason is required when the deal is lost")
		}
		v.date(FieldProjectStartDate, p.ProjectStartDate, false)
		v.date(FieldProjectCloseDate, p.ProjectCloseDate, false)
	case "":
		v.fail(FieldStatus, "status is required")
	default:
		v.fail(FieldStatus, "status must be Won or Lost")
	}
	v.date(FieldCloseDate, p.CloseDate, false)

	// Amounts are optional at close; present values must still parse.
	if pt, ok := v.f.ProjectType(); ok {
		p.Terms = v.variant(pt, false)
	}
	return p
}

// variant validates the project-type subform. With strict unset, empty fields
// are allowed and an incomplete subform yields a nil payload.
func (v *validator) variant(pt domain.ProjectType, strict bool) Payload {
	before := len(v.errs)
	incomplete := false
	req := func(field string) decimal.Decimal {
		d, present := v.amount(field, v.f.values[field], strict)
		if !present {
			incomplete = true
		}
		return d
	}
	var p Payload
	switch pt {
	case domain.ProjectFixed:
		p = FixedProjectPayload{Amount: req(FieldAmount)}
	case domain.ProjectMilestone:
		p = v.milestones(strict, &incomplete)
	case domain.ProjectRemoteJob:
		terms := domain.SalaryTerms(strings.TrimSpace(v.f.values[FieldSalaryTerms]))
		if terms == "" {
			terms = v.f.salaryTerms
		}
		if terms != domain.SalaryWeekly && terms != domain.SalaryMonthly {
			v.fail(FieldSalaryTerms, "salary terms must be Weekly or Monthly")
		}
		p = RemoteJobPayload{SalaryAmount: req(FieldSalaryAmount), SalaryTerms: terms}
	case domain.ProjectWise:
		total := req(FieldTotalAmount)
		pct := req(FieldUpfrontPercentage)
		if _, bad := v.errs[FieldUpfrontPercentage]; !bad && !incomplete && pct.GreaterThan(decimal.NewFromInt(100)) {
			v.fail(FieldUpfrontPercentage, "upfront percentage must be between 0 and 100")
		}
		p = ProjectWisePayload{TotalAmount: total, UpfrontPercentage: pct, RemainingAmount: RemainingAmount(total, pct)}
	case domain.ProjectHourly:
		p = HourlyPayload{Hours: req(FieldHours), HourlyRate: req(FieldHourlyRate)}
	default:
		v.fail(FieldProjectType, "unknown project type")
		return nil
	}
	if len(v.errs) > before || incomplete {
		return nil
	}
	return p
}

func (v *validator) milestones(strict bool, incomplete *bool) Payload {
	rows := v.f.milestones
	if len(rows) == 0 {
		if strict {
			v.fail(FieldMilestones, "at least one milestone is required")
		}
		*incomplete = true
		return nil
	}
	out := make([]domain.Milestone, 0, len(rows))
	for i, row := range rows {
		descField := fmt.Sprintf("%s[%d].description", FieldMilestones, i)
		amtField := fmt.Sprintf("%s[%d].amount", FieldMilestones, i)
		desc := strings.TrimSpace(row.Description)
		if desc == "" {
			if strict {
				v.fail(descField, "description is required")
			}
			*incomplete = true
		}
		amt, present := v.amount(amtField, row.Amount, strict)
		if !present {
			*incomplete = true
		}
		out = append(out, domain.Milestone{Description: desc, Amount: amt})
	}
	return MilestonePayload{Milestones: out}
}

// amount parses a non-negative decimal. present is false when the input is
// empty or invalid.
func (v *validator) amount(field, raw string, required bool) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			v.fail(field, "is required")
		}
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		v.fail(field, "must be a number")
		return decimal.Zero, false
	}
	if d.IsNegative() {
		v.fail(field, "must not be negative")
		return decimal.Zero, false
	}
	return d, true
}

func (v *validator) date(field, raw string, required bool) {
	if raw == "" {
		if required {
			v.fail(field, "is required")
		}
		return
	}
	if _, err := time.Parse(dateLayout, raw); err != nil {
		v.fail(field, "must be a date (YYYY-MM-DD)")
	}
}

func setIf(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func setDecimal(m map[string]string, k string, d *decimal.Decimal) {
	if d != nil {
		m[k] = d.String()
	}
}
