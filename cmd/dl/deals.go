package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealline/internal/app"
	"dealline/internal/collector"
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/ledger"
)

func dealCmd() *cobra.Command {
	d := &cobra.Command{Use: "deal", Short: "Manage deals"}
	d.AddCommand(dealCreateCmd())
	d.AddCommand(dealListCmd())
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealMoveCmd())
	d.AddCommand(dealEditCmd())
	return d
}

func dealCreateCmd() *cobra.Command {
	var id, name, projectType, owner string
	var terms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal in OnBoarded",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := domain.Deal{ID: id, Name: name, OwnerID: owner}
			if projectType != "" {
				pt := domain.ProjectType(projectType)
				in.ProjectType = &pt
			}
			t, err := parseTerms(domain.Terms{}, terms)
			if err != nil {
				return err
			}
			in.Terms = t
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				d, err := svc.Engine.CreateDeal(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deal id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "deal name")
	cmd.Flags().StringVar(&projectType, "project-type", "", "FixedProject, MilestoneBased, RemoteJob, ProjectWise or Hourly")
	cmd.Flags().StringVar(&owner, "owner", "", "owner actor id (defaults to --actor-id)")
	cmd.Flags().StringArrayVar(&terms, "term", nil, "initial terms as key=value, repeatable")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func dealListCmd() *cobra.Command {
	var (
		stage string
		limit int
		after string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := engine.DealQuery{Limit: limit, After: after}
			if stage != "" {
				s, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				q.Stage = s
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.ListDeals(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Project Type", "Status", "Owner", "Modified"})
				for _, st := range items {
					d := st.Deal
					tw.AppendRow(table.Row{d.ID, d.Name, d.Stage, ptrString(d.ProjectType), ptrString(d.DealStatus), d.OwnerID, d.ModifiedTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max deals to list (0 lists all)")
	cmd.Flags().StringVar(&after, "after", "", "list deals created after this deal id")
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				st, err := svc.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st.Deal)
			})
		},
	}
	return cmd
}

func dealMoveCmd() *cobra.Command {
	var stage string
	var sets []string
	var addMilestones, resyncAttempts int
	var showForm bool
	cmd := &cobra.Command{
		Use:   "move <deal-id>",
		Short: "Move a deal to another stage",
		Long: `Requests a stage change. OnBoarded and Discovery are applied at once.
Proposal, Negotiation and CloseWonLost open a form which is filled with --set
and submitted in the same run, for example:

  dl deal move D1 --stage Proposal --set hours=12 --set hourlyRate=80
  dl deal move D2 --stage Proposal --add-milestones 1 \
      --set "milestones[0].description=Design" --set "milestones[0].amount=500" \
      --set "milestones[1].description=Build" --set "milestones[1].amount=1500"
  dl deal move D3 --stage CloseWonLost --set status=Lost --set "lossReason=Budget cut"

Use --form to print the fields of the form, prefilled values included,
without submitting it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseStage(stage)
			if err != nil {
				return err
			}
			fields := map[string]string{}
			for _, raw := range sets {
				k, v, err := splitAssignment(raw)
				if err != nil {
					return err
				}
				fields[k] = v
			}
			dealID := args[0]
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				e := svc.Engine
				out, err := e.RequestTransition(ctx, currentActor(), dealID, target)
				if err != nil {
					return resyncOnPersistFailure(ctx, e, dealID, err, resyncAttempts)
				}
				switch out.Kind {
				case engine.OutcomeNoOp:
					fmt.Printf("deal %s is already in %s\n", dealID, target)
					return nil
				case engine.OutcomeCommitted:
					return printCommit(*out.Commit)
				}
				if showForm {
					defer e.CancelPending(dealID)
					return printForm(out.Form)
				}
				for i := 0; i < addMilestones; i++ {
					if _, err := e.AddMilestone(dealID); err != nil {
						return err
					}
				}
				for _, k := range formKeys(fields) {
					if _, err := e.SetField(dealID, k, fields[k]); err != nil {
						return fmt.Errorf("%s: %w", k, err)
					}
				}
				res, err := e.SubmitPending(ctx, currentActor(), dealID)
				if err != nil {
					var ve *collector.ValidationError
					if errors.As(err, &ve) && !viper.GetBool("json") {
						printFieldErrors(ve.Fields)
					}
					return resyncOnPersistFailure(ctx, e, dealID, err, resyncAttempts)
				}
				return printCommit(res)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "target stage")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "form field as key=value, repeatable")
	cmd.Flags().IntVar(&addMilestones, "add-milestones", 0, "milestone rows to add before applying --set")
	cmd.Flags().IntVar(&resyncAttempts, "resync-attempts", 0, "opt-in retries of the deal update when the history record was written but the deal was not")
	cmd.Flags().BoolVar(&showForm, "form", false, "print the stage form and exit without submitting")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// resyncOnPersistFailure retries the deal update, up to attempts times, after
// a commit that wrote its history record but not the deal. Other errors are
// returned as is.
func resyncOnPersistFailure(ctx context.Context, e engine.Engine, dealID string, err error, attempts int) error {
	var pe *engine.DealPersistError
	if !errors.As(err, &pe) {
		return err
	}
	for i := 0; i < attempts; i++ {
		time.Sleep(time.Duration(i+1) * 500 * time.Millisecond)
		st, rerr := e.Resync(ctx, currentActor(), dealID)
		if rerr == nil {
			fmt.Printf("deal %s saved on retry %d\n", dealID, i+1)
			return printJSONOrTable(st.Deal)
		}
		err = rerr
	}
	return fmt.Errorf("%w; history record %s was written, rerun the move (optionally with --resync-attempts) to commit again", err, pe.RecordID)
}

func dealEditCmd() *cobra.Command {
	var name, projectType, owner, startDate, closeDate, projectCloseDate string
	var terms []string
	var clearTerms bool
	cmd := &cobra.Command{
		Use:   "edit <deal-id>",
		Short: "Edit deal fields outside of a stage change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				st, err := svc.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				d := st.Deal.Clone()
				flags := cmd.Flags()
				if flags.Changed("name") {
					d.Name = name
				}
				if flags.Changed("project-type") {
					if projectType == "" {
						d.ProjectType = nil
					} else {
						pt := domain.ProjectType(projectType)
						d.ProjectType = &pt
					}
				}
				if flags.Changed("owner") {
					d.OwnerID = owner
				}
				if flags.Changed("project-start-date") {
					d.ProjectStartDate = startDate
				}
				if flags.Changed("project-close-date") {
					d.ProjectCloseDate = projectCloseDate
				}
				if flags.Changed("close-date") {
					d.CloseDate = closeDate
				}
				base := d.Terms
				if clearTerms {
					base = domain.Terms{}
				}
				if d.Terms, err = parseTerms(base, terms); err != nil {
					return err
				}
				out, err := svc.Engine.ApplyEdit(ctx, currentActor(), args[0], d)
				if err != nil {
					return err
				}
				return printJSONOrTable(out.Deal)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deal name")
	cmd.Flags().StringVar(&projectType, "project-type", "", "project type (empty clears it)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner actor id")
	cmd.Flags().StringVar(&startDate, "project-start-date", "", "YYYY-MM-DD")
	cmd.Flags().StringVar(&projectCloseDate, "project-close-date", "", "YYYY-MM-DD")
	cmd.Flags().StringVar(&closeDate, "close-date", "", "YYYY-MM-DD")
	cmd.Flags().StringArrayVar(&terms, "term", nil, "terms as key=value, repeatable; milestone=description:amount appends a milestone")
	cmd.Flags().BoolVar(&clearTerms, "clear-terms", false, "drop existing terms before applying --term")
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Stage history records"}
	h.AddCommand(historyListCmd())
	h.AddCommand(historyShowCmd())
	return h
}

func historyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <deal-id>",
		Short: "List the stage history of a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				st, err := svc.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				recs, err := svc.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if recs == nil {
						recs = []domain.StageHistoryRecord{}
					}
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Stage", "Start Date", "Acting User", "Current"})
				for _, rec := range recs {
					current := ""
					if st.Deal.StageRecordIDs[rec.StageName] == rec.ID {
						current = "*"
					}
					tw.AppendRow(table.Row{rec.ID, rec.StageName, rec.StartDate, rec.ActingUser, current})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func historyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show one stage history record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				rec, err := svc.Engine.HistoryRecord(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				tw := newTable()
				for _, f := range ledger.Detail(rec) {
					tw.AppendRow(table.Row{f.Label, f.Value})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func printCommit(res engine.CommitResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("deal %s moved to %s (history record %s)\n", res.Deal.ID, res.Deal.Stage, res.Record.ID)
	return nil
}

func printForm(f *engine.PendingForm) error {
	if viper.GetBool("json") {
		return printJSON(f)
	}
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s form", f.Stage))
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, name := range f.Fields {
		if name == collector.FieldMilestones {
			for i, m := range f.Milestones {
				tw.AppendRow(table.Row{fmt.Sprintf("milestones[%d].description", i), m.Description})
				tw.AppendRow(table.Row{fmt.Sprintf("milestones[%d].amount", i), m.Amount})
			}
			continue
		}
		tw.AppendRow(table.Row{name, f.Values[name]})
	}
	tw.Render()
	return nil
}

func printFieldErrors(errs map[string]string) {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := newTable()
	tw.AppendHeader(table.Row{"Field", "Problem"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k, errs[k]})
	}
	tw.Render()
}

// formKeys orders edits so projectType is applied before the fields it
// unlocks.
func formKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := keys[i] == collector.FieldProjectType, keys[j] == collector.FieldProjectType
		if pi != pj {
			return pi
		}
		return keys[i] < keys[j]
	})
	return keys
}

func parseTerms(base domain.Terms, assignments []string) (domain.Terms, error) {
	t := base
	for _, raw := range assignments {
		k, v, err := splitAssignment(raw)
		if err != nil {
			return domain.Terms{}, err
		}
		if k == "salaryTerms" {
			t.SalaryTerms = domain.SalaryTerms(v)
			continue
		}
		if k == "milestone" {
			desc, amt, ok := strings.Cut(v, ":")
			if !ok {
				return domain.Terms{}, fmt.Errorf("milestone must be description:amount, got %q", v)
			}
			d, err := decimal.NewFromString(strings.TrimSpace(amt))
			if err != nil {
				return domain.Terms{}, fmt.Errorf("invalid milestone amount %q", amt)
			}
			t.Milestones = append(t.Milestones, domain.Milestone{Description: strings.TrimSpace(desc), Amount: d})
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return domain.Terms{}, fmt.Errorf("invalid %s %q", k, v)
		}
		switch k {
		case "amount":
			t.Amount = &d
		case "salaryAmount":
			t.SalaryAmount = &d
		case "totalAmount":
			t.TotalAmount = &d
		case "upfrontPercentage":
			t.UpfrontPercentage = &d
		case "remainingAmount":
			t.RemainingAmount = &d
		case "hours":
			t.Hours = &d
		case "hourlyRate":
			t.HourlyRate = &d
		default:
			return domain.Terms{}, fmt.Errorf("unknown term %q", k)
		}
	}
	return t, nil
}

func ptrString[T ~string](p *T) string {
	if p == nil {
		return ""
	}
	return string(*p)
}
