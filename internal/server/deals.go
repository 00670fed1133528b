package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/ledger"
	"dealline/internal/repo"
)

type dealPath struct {
	DealID string `path:"deal_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		pt, err := parseProjectType(input.Body.ProjectType)
		if err != nil {
			return nil, handleError(err)
		}
		terms, err := input.Body.Terms.toDomain()
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.CreateDeal(ctx, actor, domain.Deal{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			ProjectType: pt,
			OwnerID:     input.Body.OwnerID,
			Terms:       terms,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: DealResponse{Deal: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage  string `query:"stage" enum:"OnBoarded,Discovery,Proposal,Negotiation,CloseWonLost"`
		Limit  int    `query:"limit" doc:"page size; omitted returns every deal"`
		Cursor string `query:"cursor" doc:"id of the last deal of the previous page"`
	}) (*struct {
		NextCursor string         `header:"X-Next-Cursor"`
		Body       []DealResponse `json:"body"`
	}, error) {
		q := engine.DealQuery{After: input.Cursor}
		if input.Stage != "" {
			s, err := domain.ParseStage(input.Stage)
			if err != nil {
				return nil, handleError(err)
			}
			q.Stage = s
		}
		var limit int
		if input.Limit > 0 {
			limit = normalizeLimit(input.Limit)
			q.Limit = limit + 1
		}
		items, err := e.ListDeals(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			NextCursor string         `header:"X-Next-Cursor"`
			Body       []DealResponse `json:"body"`
		}{Body: make([]DealResponse, 0, len(items))}
		if limit > 0 && len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].Deal.ID
		}
		for _, st := range items {
			resp.Body = append(resp.Body, dealResponse(st))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		st, err := e.Get(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-deal",
		Method:      http.MethodPut,
		Path:        "/deals/{deal_id}",
		Summary:     "Replace editable deal fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string          `path:"deal_id"`
		Body   EditDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		pt, err := parseProjectType(input.Body.ProjectType)
		if err != nil {
			return nil, handleError(err)
		}
		terms, err := input.Body.Terms.toDomain()
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.ApplyEdit(ctx, actor, input.DealID, domain.Deal{
			Name:             input.Body.Name,
			ProjectType:      pt,
			OwnerID:          input.Body.OwnerID,
			Terms:            terms,
			ProjectStartDate: input.Body.ProjectStartDate,
			ProjectCloseDate: input.Body.ProjectCloseDate,
			CloseDate:        input.Body.CloseDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/transitions",
		Summary:     "Request a stage change",
		Description: "OnBoarded and Discovery commit at once. Proposal, Negotiation and CloseWonLost open a pending form that is completed with the pending endpoints.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		stage, err := domain.ParseStage(input.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.RequestTransition(ctx, actor, input.DealID, stage)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TransitionResponse{Outcome: string(out.Kind), Stage: out.Stage, Form: out.Form}
		if out.Commit != nil {
			resp.Commit = commitResponse(*out.Commit)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resync-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/resync",
		Summary:     "Retry persisting an unsynced deal",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if _, err := e.Get(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Resync(ctx, actor, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/reload",
		Summary:     "Discard the in-memory view and re-read the deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		st, err := e.Reload(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(st)}, nil
	})
}

func registerPending(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pending",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/pending",
		Summary:     "Show the open stage form",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body engine.PendingForm `json:"body"`
	}, error) {
		if _, err := e.Get(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		form, err := e.Pending(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PendingForm `json:"body"`
		}{Body: *form}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-pending",
		Method:      http.MethodPatch,
		Path:        "/deals/{deal_id}/pending",
		Summary:     "Edit the open stage form",
		Description: "Milestone rows are removed first, then added, then fields are applied with projectType before the rest.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DealID string             `path:"deal_id"`
		Body   PendingEditRequest `json:"body"`
	}) (*struct {
		Body engine.PendingForm `json:"body"`
	}, error) {
		if _, err := e.Get(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		if input.Body.RemoveMilestone != nil {
			if err := e.RemoveMilestone(input.DealID, *input.Body.RemoveMilestone); err != nil {
				return nil, handleError(err)
			}
		}
		for i := 0; i < input.Body.AddMilestones; i++ {
			if _, err := e.AddMilestone(input.DealID); err != nil {
				return nil, handleError(err)
			}
		}
		for _, key := range orderedFieldKeys(input.Body.Fields) {
			if _, err := e.SetField(input.DealID, key, input.Body.Fields[key]); err != nil {
				return nil, handleError(err)
			}
		}
		form, err := e.Pending(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PendingForm `json:"body"`
		}{Body: *form}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-pending",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/pending/submit",
		Summary:     "Validate the open form and commit its stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable, http.StatusBadGateway},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body CommitResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if _, err := e.Get(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.SubmitPending(ctx, actor, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommitResponse `json:"body"`
		}{Body: *commitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-pending",
		Method:        http.MethodDelete,
		Path:          "/deals/{deal_id}/pending",
		Summary:       "Cancel the open stage form",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *dealPath) (*struct{}, error) {
		if _, err := e.Get(ctx, input.DealID); err != nil {
			return nil, handleError(err)
		}
		if err := e.CancelPending(input.DealID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// orderedFieldKeys sorts form keys with projectType first since it decides
// which variant fields exist.
func orderedFieldKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := keys[i] == "projectType", keys[j] == "projectType"
		if pi != pj {
			return pi
		}
		return keys[i] < keys[j]
	})
	return keys
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/history",
		Summary:     "List stage history of a deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body []HistoryItem `json:"body"`
	}, error) {
		st, err := e.Get(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		recs, err := e.History(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryItem `json:"body"`
		}{Body: historyItems(st.Deal, recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history-record",
		Method:      http.MethodGet,
		Path:        "/history/{record_id}",
		Summary:     "Show one stage history record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body HistoryDetailResponse `json:"body"`
	}, error) {
		rec, err := e.HistoryRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryDetailResponse `json:"body"`
		}{Body: HistoryDetailResponse{Record: rec, Fields: ledger.Detail(rec)}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := r.LatestEvents(ctx, repo.EventFilters{
			Limit:    limit + 1,
			Before:   before,
			Type:     input.Type,
			EntityID: input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
