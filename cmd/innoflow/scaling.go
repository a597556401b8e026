package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"innoflow/internal/app"
	"innoflow/internal/domain"
	"innoflow/internal/engine"
)

func scalingCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "scaling",
		Short: "Scaling plan rollout and gates",
	}
	sc.AddCommand(scalingProgressCmd())
	sc.AddCommand(scalingAdvanceCmd())
	sc.AddCommand(scalingBudgetCmd())
	sc.AddCommand(scalingResubmitCmd())
	sc.AddCommand(scalingIntegrationCmd())
	return sc
}

func planRef(id string) domain.Ref {
	return domain.Ref{Kind: domain.KindScalingPlan, ID: id}
}

func scalingProgressCmd() *cobra.Command {
	var kpi string
	var onHold bool
	cmd := &cobra.Command{
		Use:   "progress <plan-id> <unit-id> <percent>",
		Short: "Record unit execution progress",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("progress must be a number: %w", err)
			}
			var status domain.KPIStatus
			if kpi != "" {
				if status, err = domain.ParseKPIStatus(kpi); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.RecordUnitProgress(ctx, engine.UnitProgressInput{
					Ref: planRef(args[0]), UnitID: args[1], Progress: progress, KPIStatus: status, OnHold: onHold, ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printPlan(rec)
			})
		},
	}
	cmd.Flags().StringVar(&kpi, "kpi", "", "kpi status (on_track, at_risk, off_track)")
	cmd.Flags().BoolVar(&onHold, "on-hold", false, "put the unit on hold")
	return cmd
}

func scalingAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <plan-id>",
		Short: "Complete the active phase and start the next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.AdvancePhase(ctx, engine.PhaseInput{Ref: planRef(args[0]), ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printPlan(rec)
			})
		},
	}
}

func scalingBudgetCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "budget <plan-id> <approved|rejected>",
		Short: "Decide the budget gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := domain.ParseDecision(args[1])
			if err != nil {
				return err
			}
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.DecideBudget(ctx, engine.BudgetDecisionInput{
					Ref: planRef(args[0]), ActorID: viper.GetString("actor-id"), ActorRole: role, Decision: decision, Comments: comments,
				})
				if err != nil {
					return err
				}
				return printPlan(rec)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "decision comments")
	return cmd
}

func scalingResubmitCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "resubmit <plan-id> <estimated-budget>",
		Short: "Resubmit a revised budget after rejection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			budget, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("estimated budget must be a number: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.ResubmitBudget(ctx, engine.ResubmitBudgetInput{
					Ref: planRef(args[0]), ActorID: viper.GetString("actor-id"), EstimatedBudget: budget, Comments: comments,
				})
				if err != nil {
					return err
				}
				return printPlan(rec)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "revision comments")
	return cmd
}

func scalingIntegrationCmd() *cobra.Command {
	var met []string
	var notes string
	cmd := &cobra.Command{
		Use:   "integration <plan-id> <approved|rejected>",
		Short: "Decide the national integration gate",
		Long:  "Criteria: " + fmt.Sprint(domain.IntegrationCriteria) + ". Pass --met once per satisfied criterion.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := domain.ParseDecision(args[1])
			if err != nil {
				return err
			}
			role, err := actingRole()
			if err != nil {
				return err
			}
			checklist := map[string]bool{}
			for _, c := range met {
				checklist[c] = true
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.DecideIntegration(ctx, engine.IntegrationDecisionInput{
					Ref: planRef(args[0]), ActorID: viper.GetString("actor-id"), ActorRole: role, Decision: decision, Checklist: checklist, Notes: notes,
				})
				if err != nil {
					return err
				}
				return printPlan(rec)
			})
		},
	}
	cmd.Flags().StringArrayVar(&met, "met", nil, "satisfied criterion (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	return cmd
}

func printPlan(rec domain.Record) error {
	plan, ok := rec.Payload.(*domain.ScalingPlanPayload)
	if viper.GetBool("json") || !ok {
		return printRecord(rec)
	}
	fmt.Printf("%s  stage=%s  budget_approved=%t  rollout=%g%%  integrated=%t\n",
		rec.Ref(), plan.Stage, plan.BudgetApproved, plan.RolloutProgress, plan.IntegrationApproved)
	tw := newTable()
	tw.AppendHeader(table.Row{"Phase", "Status", "Unit", "Unit status", "Progress", "KPI"})
	for _, ph := range plan.Phases {
		for _, u := range ph.TargetUnits {
			row := table.Row{ph.PhaseNumber, ph.Status, u, "", "", ""}
			if ex := plan.Unit(u); ex != nil {
				row[3], row[4], row[5] = ex.Status, ex.Progress, ex.KPIStatus
			}
			tw.AppendRow(row)
		}
	}
	tw.Render()
	return nil
}
