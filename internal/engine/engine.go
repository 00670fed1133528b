// Package engine drives deals through the pipeline stages: it opens the payload
// forms for gated stages, writes the stage history and keeps the deal
// document in step with it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dealline/internal/collector"
	"dealline/internal/domain"
	"dealline/internal/events"
	"dealline/internal/ledger"
	"dealline/internal/projection"
	"dealline/internal/store"
)

const dateLayout = "2006-01-02"

// Options carry pipeline defaults from configuration.
type Options struct {
	DefaultSalaryTerms domain.SalaryTerms
}

type Engine struct {
	Store      store.RecordStore
	Ledger     ledger.Ledger
	Projection *projection.Projection
	Events     events.Writer
	Log        zerolog.Logger
	Options    Options
	Now        func() time.Time
}

func New(s store.RecordStore, ev events.Writer, log zerolog.Logger, opts Options) Engine {
	return Engine{
		Store:      s,
		Ledger:     ledger.New(s),
		Projection: projection.New(),
		Events:     ev,
		Log:        log,
		Options:    opts,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) salaryTerms() domain.SalaryTerms {
	if e.Options.DefaultSalaryTerms == "" {
		return domain.SalaryMonthly
	}
	return e.Options.DefaultSalaryTerms
}

// Phase reports how far a commit got.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseApplied   Phase = "applied"
	PhasePersisted Phase = "persisted"
)

// CommitResult describes a commit. Record is set once the ledger append
// succeeded; History is the refreshed ledger listing after a full commit.
type CommitResult struct {
	Phase   Phase
	Record  domain.StageHistoryRecord
	Deal    domain.Deal
	History []domain.StageHistoryRecord
}

type OutcomeKind string

const (
	OutcomeNoOp      OutcomeKind = "noop"
	OutcomePending   OutcomeKind = "pending"
	OutcomeCommitted OutcomeKind = "committed"
)

// TransitionOutcome is the result of RequestTransition. Form is set for
// OutcomePending, Commit for OutcomeCommitted.
type TransitionOutcome struct {
	Kind   OutcomeKind
	Stage  domain.Stage
	Form   *PendingForm
	Commit *CommitResult
}

// DealState is a deal as the pipeline currently sees it.
type DealState struct {
	Deal         domain.Deal   `json:"deal"`
	PendingStage *domain.Stage `json:"pending_stage,omitempty"`
	Unsynced     bool          `json:"unsynced"`
}

// PendingForm is a snapshot of an open stage form.
type PendingForm struct {
	Stage       domain.Stage               `json:"stage"`
	ProjectType string                     `json:"project_type,omitempty"`
	Fields      []string                   `json:"fields"`
	Values      map[string]string          `json:"values"`
	Milestones  []collector.MilestoneInput `json:"milestones,omitempty"`
	Errors      map[string]string          `json:"errors,omitempty"`
}

func snapshot(p *projection.Pending) *PendingForm {
	f := p.Form
	out := &PendingForm{
		Stage:      p.Stage,
		Fields:     f.Fields(),
		Values:     map[string]string{},
		Milestones: f.Milestones(),
		Errors:     f.Errors(),
	}
	if pt, ok := f.ProjectType(); ok {
		out.ProjectType = string(pt)
	}
	for _, name := range out.Fields {
		if name == collector.FieldMilestones {
			continue
		}
		out.Values[name] = f.Value(name)
	}
	if pt, _ := f.ProjectType(); pt == domain.ProjectWise {
		out.Values[collector.FieldRemainingAmount] = f.Value(collector.FieldRemainingAmount)
	}
	return out
}

func stateOf(v projection.View) DealState {
	st := DealState{Deal: v.Deal, Unsynced: v.Unsynced}
	if v.Pending != nil {
		s := v.Pending.Stage
		st.PendingStage = &s
	}
	return st
}

// load returns the projected deal, seeding it from the store on first use.
func (e Engine) load(ctx context.Context, dealID string) (projection.View, error) {
	if v, err := e.Projection.Get(dealID); err == nil {
		return v, nil
	}
	d, err := e.fetchDeal(ctx, dealID)
	if err != nil {
		return projection.View{}, err
	}
	e.Projection.Seed(d)
	return e.Projection.Get(dealID)
}

func (e Engine) fetchDeal(ctx context.Context, dealID string) (domain.Deal, error) {
	var d domain.Deal
	doc, err := e.Store.GetRecord(ctx, store.CollectionDeals, dealID)
	if err != nil {
		return d, fmt.Errorf("deal %s: %w", dealID, err)
	}
	if err := store.Decode(doc, &d); err != nil {
		return d, err
	}
	d.ID = doc.ID()
	return d, nil
}

// CreateDeal stores a new deal in OnBoarded.
func (e Engine) CreateDeal(ctx context.Context, actor domain.Actor, in domain.Deal) (domain.Deal, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Deal{}, errors.New("deal name is required")
	}
	if in.ProjectType != nil && !in.ProjectType.Valid() {
		return domain.Deal{}, fmt.Errorf("invalid project type %q", *in.ProjectType)
	}
	now := e.now().Format(time.RFC3339)
	d := domain.Deal{
		ID:           in.ID,
		Name:         in.Name,
		Stage:        domain.StageOnBoarded,
		ProjectType:  in.ProjectType,
		Terms:        in.Terms.ForProjectType(in.ProjectType),
		OwnerID:      in.OwnerID,
		CreatedAt:    now,
		ModifiedTime: now,
	}
	if d.OwnerID == "" {
		d.OwnerID = actor.ID
	}
	doc, err := store.Encode(d)
	if err != nil {
		return domain.Deal{}, err
	}
	id, err := e.Store.AddRecord(ctx, store.CollectionDeals, doc)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("create deal: %w", err)
	}
	d.ID = id
	e.Projection.Seed(d)
	e.audit(ctx, events.DealCreated, d.ID, actor, events.EventPayload{"name": d.Name})
	return d, nil
}

// Get returns the projected deal, loading it if needed.
func (e Engine) Get(ctx context.Context, dealID string) (DealState, error) {
	v, err := e.load(ctx, dealID)
	if err != nil {
		return DealState{}, err
	}
	return stateOf(v), nil
}

// DealQuery selects deals in creation order. After is the id of the last deal
// of the previous page; a zero Limit returns every match.
type DealQuery struct {
	Stage domain.Stage
	Limit int
	After string
}

// ListDeals lists stored deals, overlaid with their projected state.
func (e Engine) ListDeals(ctx context.Context, q DealQuery) ([]DealState, error) {
	filter := store.Filter{Limit: q.Limit, After: q.After}
	if q.Stage != "" {
		filter.Equals = map[string]any{"stage": string(q.Stage)}
	}
	docs, err := e.Store.QueryRecords(ctx, store.CollectionDeals, filter)
	if err != nil {
		return nil, err
	}
	out := make([]DealState, 0, len(docs))
	for _, doc := range docs {
		if v, err := e.Projection.Get(doc.ID()); err == nil {
			out = append(out, stateOf(v))
			continue
		}
		var d domain.Deal
		if err := store.Decode(doc, &d); err != nil {
			return nil, err
		}
		out = append(out, DealState{Deal: d})
	}
	return out, nil
}

// RequestTransition starts moving a deal to target. Ungated stages commit at
// once; gated stages open a form and wait for SubmitPending.
func (e Engine) RequestTransition(ctx context.Context, actor domain.Actor, dealID string, target domain.Stage) (TransitionOutcome, error) {
	if !target.Valid() {
		return TransitionOutcome{}, fmt.Errorf("%w: %q", ErrUnknownStage, target)
	}
	v, err := e.load(ctx, dealID)
	if err != nil {
		return TransitionOutcome{}, err
	}
	deal := v.Deal
	if deal.Stage == target {
		return TransitionOutcome{Kind: OutcomeNoOp, Stage: target}, nil
	}
	if !target.Gated() {
		res, err := e.Commit(ctx, actor, dealID, target, collector.EmptyPayload{})
		return TransitionOutcome{Kind: OutcomeCommitted, Stage: target, Commit: &res}, err
	}

	seed := collector.Seed{ProjectType: deal.ProjectType}
	switch target {
	case domain.StageNegotiation:
		seed = e.negotiationSeed(ctx, deal)
	case domain.StageCloseWonLost:
		seed.Terms = deal.Terms.ForProjectType(deal.ProjectType)
		seed.Status = deal.DealStatus
		seed.LossReason = deal.LossReason
		seed.ProjectStartDate = deal.ProjectStartDate
		seed.ProjectCloseDate = deal.ProjectCloseDate
		seed.CloseDate = deal.CloseDate
	}
	form, err := collector.Open(target, seed, collector.Options{DefaultSalaryTerms: e.salaryTerms()})
	if err != nil {
		return TransitionOutcome{}, err
	}
	if err := e.Projection.SetPending(dealID, target, form); err != nil {
		return TransitionOutcome{}, err
	}
	e.Log.Debug().Str("deal_id", dealID).Str("stage", string(target)).Str("actor", actor.ID).Msg("stage form opened")
	var pf *PendingForm
	err = e.Projection.WithPending(dealID, func(p *projection.Pending) error {
		pf = snapshot(p)
		return nil
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	return TransitionOutcome{Kind: OutcomePending, Stage: target, Form: pf}, nil
}

// negotiationSeed pre-fills the Negotiation form from the deal's Proposal
// record. A missing pointer or a failed fetch gives an empty form.
func (e Engine) negotiationSeed(ctx context.Context, deal domain.Deal) collector.Seed {
	seed := collector.Seed{ProjectType: deal.ProjectType}
	recID := deal.StageRecordIDs[domain.StageProposal]
	if recID == "" {
		return seed
	}
	rec, err := e.Ledger.GetByID(ctx, recID)
	if err != nil {
		e.Log.Warn().Err(err).Str("deal_id", deal.ID).Str("record_id", recID).Msg("proposal record unavailable, negotiation form left empty")
		return seed
	}
	pt := deal.ProjectType
	if pt == nil {
		pt = rec.ProjectType
	}
	seed.ProjectType = pt
	seed.Terms = rec.Terms.ForProjectType(pt)
	return seed
}

// Pending returns the open form of a deal.
func (e Engine) Pending(dealID string) (*PendingForm, error) {
	var out *PendingForm
	err := e.Projection.WithPending(dealID, func(p *projection.Pending) error {
		out = snapshot(p)
		return nil
	})
	return out, err
}

// SetField edits one field of the open form.
func (e Engine) SetField(dealID, field, value string) (*PendingForm, error) {
	var out *PendingForm
	err := e.Projection.WithPending(dealID, func(p *projection.Pending) error {
		if err := p.Form.SetField(field, value); err != nil {
			return err
		}
		out = snapshot(p)
		return nil
	})
	return out, err
}

func (e Engine) AddMilestone(dealID string) (int, error) {
	idx := 0
	err := e.Projection.WithPending(dealID, func(p *projection.Pending) error {
		var err error
		idx, err = p.Form.AddMilestone()
		return err
	})
	return idx, err
}

func (e Engine) RemoveMilestone(dealID string, i int) error {
	return e.Projection.WithPending(dealID, func(p *projection.Pending) error {
		return p.Form.RemoveMilestone(i)
	})
}

// SubmitPending validates the open form and commits its stage. A validation
// failure leaves the form open with its error markers.
func (e Engine) SubmitPending(ctx context.Context, actor domain.Actor, dealID string) (CommitResult, error) {
	var (
		stage   domain.Stage
		payload collector.Payload
		form    *collector.Form
	)
	err := e.Projection.WithPending(dealID, func(p *projection.Pending) error {
		var err error
		payload, err = p.Form.Submit()
		stage, form = p.Stage, p.Form
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}
	res, err := e.Commit(ctx, actor, dealID, stage, payload)
	if err != nil && res.Phase == PhaseNone {
		_ = e.Projection.WithPending(dealID, func(p *projection.Pending) error {
			if p.Form == form {
				form.Reopen()
			}
			return nil
		})
	}
	return res, err
}

// CancelPending closes the open form. Nothing is written.
func (e Engine) CancelPending(dealID string) error {
	if !e.Projection.Has(dealID) {
		return ErrDealNotLoaded
	}
	if !e.Projection.ClearPending(dealID) {
		return ErrNoPendingStage
	}
	e.Log.Debug().Str("deal_id", dealID).Msg("stage form cancelled")
	return nil
}

// Commit moves the deal to target with a validated payload: append the
// history record, advance the projection, persist the deal, then re-list the
// history. The returned error is a *LedgerAppendError or *DealPersistError
// when the respective step fails.
func (e Engine) Commit(ctx context.Context, actor domain.Actor, dealID string, target domain.Stage, payload collector.Payload) (CommitResult, error) {
	res := CommitResult{Phase: PhaseNone}
	if !target.Valid() {
		return res, fmt.Errorf("%w: %q", ErrUnknownStage, target)
	}
	if payload == nil {
		payload = collector.EmptyPayload{}
	}
	v, err := e.load(ctx, dealID)
	if err != nil {
		return res, err
	}
	now := e.now()
	rec := e.historyRecordFor(v.Deal, target, payload, actor, now)

	id, err := e.Ledger.Append(ctx, rec)
	if err != nil {
		e.Log.Error().Err(err).Str("deal_id", dealID).Str("stage", string(target)).Msg("history append failed")
		e.audit(ctx, events.LedgerAppendFailed, dealID, actor, events.EventPayload{"stage": target, "error": err.Error()})
		return res, &LedgerAppendError{DealID: dealID, Stage: target, Err: err}
	}
	rec.ID = id
	res.Record = rec

	next := applyRecord(v.Deal, rec, payload, now)
	e.Projection.Apply(next)
	res.Phase = PhaseApplied
	res.Deal = next

	if err := e.persist(ctx, next); err != nil {
		e.Log.Error().Err(err).Str("deal_id", dealID).Str("record_id", id).Msg("deal update failed after history append")
		e.audit(ctx, events.DealUpdateFailed, dealID, actor, events.EventPayload{"stage": target, "record_id": id, "error": err.Error()})
		return res, &DealPersistError{DealID: dealID, RecordID: id, Err: err}
	}
	e.Projection.MarkSynced(dealID)
	res.Phase = PhasePersisted

	e.audit(ctx, events.TransitionCommitted, dealID, actor, events.EventPayload{"from": v.Deal.Stage, "to": target, "record_id": id})
	history, err := e.Ledger.ListFor(ctx, dealID)
	if err != nil {
		e.Log.Warn().Err(err).Str("deal_id", dealID).Msg("history refresh failed")
		return res, nil
	}
	res.History = history
	return res, nil
}

// historyRecordFor maps a payload onto a history record. Only the fields of
// the payload's project type are carried over.
func (e Engine) historyRecordFor(deal domain.Deal, target domain.Stage, payload collector.Payload, actor domain.Actor, now time.Time) domain.StageHistoryRecord {
	ts := now.Format(time.RFC3339)
	rec := domain.StageHistoryRecord{
		OpportunityID: deal.ID,
		StageName:     target,
		StartDate:     ts,
		ModifiedTime:  ts,
		ActingUser:    actor.ID,
	}
	terms := payload
	if cp, ok := payload.(collector.ClosePayload); ok {
		status := cp.Status
		rec.DealStatus = &status
		if status == domain.StatusLost {
			rec.LossReason = cp.LossReason
		}
		rec.ProjectStartDate = cp.ProjectStartDate
		rec.ProjectCloseDate = cp.ProjectCloseDate
		rec.CloseDate = cp.CloseDate
		if rec.CloseDate == "" {
			rec.CloseDate = now.Format(dateLayout)
		}
		terms = cp.Terms
	}
	if pt, ok := collector.ProjectTypeOf(payload); ok {
		rec.ProjectType = &pt
	} else if deal.ProjectType != nil {
		pt := *deal.ProjectType
		rec.ProjectType = &pt
	}
	rec.Terms = e.termsFor(terms)
	return rec
}

func (e Engine) termsFor(p collector.Payload) domain.Terms {
	switch v := p.(type) {
	case collector.FixedProjectPayload:
		return domain.Terms{Amount: decPtr(v.Amount)}
	case collector.MilestonePayload:
		return domain.Terms{Milestones: append([]domain.Milestone(nil), v.Milestones...)}
	case collector.RemoteJobPayload:
		st := v.SalaryTerms
		if st == "" {
			st = e.salaryTerms()
		}
		return domain.Terms{SalaryAmount: decPtr(v.SalaryAmount), SalaryTerms: st}
	case collector.ProjectWisePayload:
		return domain.Terms{
			TotalAmount:       decPtr(v.TotalAmount),
			UpfrontPercentage: decPtr(v.UpfrontPercentage),
			RemainingAmount:   decPtr(v.RemainingAmount),
		}
	case collector.HourlyPayload:
		return domain.Terms{Hours: decPtr(v.Hours), HourlyRate: decPtr(v.HourlyRate)}
	}
	return domain.Terms{}
}

// applyRecord merges a committed record onto the deal.
func applyRecord(deal domain.Deal, rec domain.StageHistoryRecord, payload collector.Payload, now time.Time) domain.Deal {
	next := deal.Clone()
	if deal.Stage == domain.StageCloseWonLost && rec.StageName != domain.StageCloseWonLost {
		next.DealStatus = nil
		next.LossReason = ""
	}
	next.Stage = rec.StageName
	if next.StageRecordIDs == nil {
		next.StageRecordIDs = map[domain.Stage]string{}
	}
	next.StageRecordIDs[rec.StageName] = rec.ID
	if pt, ok := collector.ProjectTypeOf(payload); ok && next.ProjectType == nil {
		next.ProjectType = &pt
	}
	next.Terms = mergeTerms(next.Terms, rec.Terms)
	if rec.StageName == domain.StageCloseWonLost && rec.DealStatus != nil {
		status := *rec.DealStatus
		next.DealStatus = &status
		next.LossReason = rec.LossReason
		if rec.ProjectStartDate != "" {
			next.ProjectStartDate = rec.ProjectStartDate
		}
		if rec.ProjectCloseDate != "" {
			next.ProjectCloseDate = rec.ProjectCloseDate
		}
		next.CloseDate = rec.CloseDate
		if status == domain.StatusWon {
			next.IsConverted = true
		}
	}
	next.ModifiedTime = now.Format(time.RFC3339)
	return next
}

func mergeTerms(dst, src domain.Terms) domain.Terms {
	if src.Amount != nil {
		dst.Amount = src.Amount
	}
	if len(src.Milestones) > 0 {
		dst.Milestones = append([]domain.Milestone(nil), src.Milestones...)
	}
	if src.SalaryAmount != nil {
		dst.SalaryAmount = src.SalaryAmount
	}
	if src.SalaryTerms != "" {
		dst.SalaryTerms = src.SalaryTerms
	}
	if src.TotalAmount != nil {
		dst.TotalAmount = src.TotalAmount
	}
	if src.UpfrontPercentage != nil {
		dst.UpfrontPercentage = src.UpfrontPercentage
	}
	if src.RemainingAmount != nil {
		dst.RemainingAmount = src.RemainingAmount
	}
	if src.Hours != nil {
		dst.Hours = src.Hours
	}
	if src.HourlyRate != nil {
		dst.HourlyRate = src.HourlyRate
	}
	return dst
}

// clearable lists deal keys that are omitted from the encoded document when
// empty and must therefore be removed explicitly from the stored one.
var clearable = []string{"projectType", "stageRecordIds", "dealStatus", "lossReason", "projectStartDate", "projectCloseDate", "closeDate", "ownerId"}

func (e Engine) persist(ctx context.Context, d domain.Deal) error {
	doc, err := store.Encode(d)
	if err != nil {
		return err
	}
	for _, k := range clearable {
		if _, ok := doc[k]; !ok {
			doc[k] = nil
		}
	}
	delete(doc, "id")
	return e.Store.UpdateRecord(ctx, store.CollectionDeals, d.ID, doc)
}

// Resync re-sends an unsynced projection to the store. No history record is
// written; the record from the failed commit stays the current one.
func (e Engine) Resync(ctx context.Context, actor domain.Actor, dealID string) (DealState, error) {
	v, err := e.Projection.Get(dealID)
	if err != nil {
		return DealState{}, err
	}
	if !v.Unsynced {
		return stateOf(v), nil
	}
	if err := e.persist(ctx, v.Deal); err != nil {
		recID := v.Deal.StageRecordIDs[v.Deal.Stage]
		e.Log.Error().Err(err).Str("deal_id", dealID).Str("record_id", recID).Msg("deal resync failed")
		return stateOf(v), &DealPersistError{DealID: dealID, RecordID: recID, Err: err}
	}
	e.Projection.MarkSynced(dealID)
	e.audit(ctx, events.DealResynced, dealID, actor, events.EventPayload{"stage": v.Deal.Stage})
	v.Unsynced = false
	return stateOf(v), nil
}

// Reload discards the projection of a deal, pending session included, and
// re-reads it from the store.
func (e Engine) Reload(ctx context.Context, dealID string) (DealState, error) {
	d, err := e.fetchDeal(ctx, dealID)
	if err != nil {
		return DealState{}, err
	}
	if v, err := e.Projection.Get(dealID); err == nil && v.Unsynced {
		e.Log.Warn().Str("deal_id", dealID).Msg("dropping unsynced projection on reload")
	}
	e.Projection.ClearPending(dealID)
	e.Projection.Seed(d)
	return DealState{Deal: d}, nil
}

// ApplyEdit replaces the deal with an edited copy. Stage, stage linkage,
// conversion flag and creation time are kept from the current projection.
func (e Engine) ApplyEdit(ctx context.Context, actor domain.Actor, dealID string, edited domain.Deal) (DealState, error) {
	v, err := e.load(ctx, dealID)
	if err != nil {
		return DealState{}, err
	}
	if edited.ProjectType != nil && !edited.ProjectType.Valid() {
		return DealState{}, fmt.Errorf("invalid project type %q", *edited.ProjectType)
	}
	cur := v.Deal
	edited.ID = dealID
	edited.Stage = cur.Stage
	edited.StageRecordIDs = cur.StageRecordIDs
	edited.IsConverted = cur.IsConverted
	edited.CreatedAt = cur.CreatedAt
	if strings.TrimSpace(edited.Name) == "" {
		edited.Name = cur.Name
	}
	if edited.Stage != domain.StageCloseWonLost {
		edited.DealStatus = nil
		edited.LossReason = ""
	}
	edited.ModifiedTime = e.now().Format(time.RFC3339)
	if err := e.persist(ctx, edited); err != nil {
		return DealState{}, fmt.Errorf("update deal %s: %w", dealID, err)
	}
	e.Projection.Replace(edited)
	e.audit(ctx, events.DealEdited, dealID, actor, nil)
	v, err = e.Projection.Get(dealID)
	if err != nil {
		return DealState{}, err
	}
	return stateOf(v), nil
}

// History lists the deal's stage records in insertion order, orphans included.
func (e Engine) History(ctx context.Context, dealID string) ([]domain.StageHistoryRecord, error) {
	return e.Ledger.ListFor(ctx, dealID)
}

func (e Engine) HistoryRecord(ctx context.Context, recordID string) (domain.StageHistoryRecord, error) {
	return e.Ledger.GetByID(ctx, recordID)
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func (e Engine) audit(ctx context.Context, evtType, dealID string, actor domain.Actor, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, "deal", dealID, actor.ID, payload); err != nil {
		e.Log.Warn().Err(err).Str("event", evtType).Str("deal_id", dealID).Msg("audit event not recorded")
	}
}
