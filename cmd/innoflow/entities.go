package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"innoflow/internal/app"
	"innoflow/internal/domain"
	"innoflow/internal/engine"
)

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Create and inspect entities",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityTransitionCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var id, title, fields string
	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create a draft entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			raw, err := readFields(fields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.CreateEntity(ctx, engine.CreateInput{
					Kind: kind, ID: id, Title: title, Fields: raw, ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&fields, "fields", "", "kind-specific fields as JSON, or @file")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Get(ctx, ref)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
}

func entityTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <kind> <id> <status>",
		Short: "Move an entity along its lifecycle",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.TransitionStatus(ctx, engine.TransitionInput{Ref: ref, To: domain.Status(args[2]), ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approval",
		Short: "Approval chain",
	}
	ap.AddCommand(&cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show the chain and recorded decisions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.Approvals(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				decided := map[int]domain.ApprovalRecord{}
				for _, rec := range view.Approvals {
					decided[rec.Step] = rec
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Step", "Role", "Label", "Decision", "By", "At"})
				for _, s := range view.Steps {
					row := table.Row{s.Step, s.Role, s.Label, "", "", ""}
					if rec, ok := decided[s.Step]; ok {
						row[3], row[4], row[5] = rec.Decision, rec.ApproverName, rec.DecidedAt
					} else if s.Step == view.CurrentStep {
						row[3] = "pending"
					}
					tw.AppendRow(row)
				}
				tw.Render()
				fmt.Printf("status: %s\n", view.Status)
				return nil
			})
		},
	})
	ap.AddCommand(approvalDecideCmd())
	return ap
}

func approvalDecideCmd() *cobra.Command {
	var comment string
	var step int
	cmd := &cobra.Command{
		Use:   "decide <kind> <id> <approved|rejected>",
		Short: "Decide the current approval step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			decision, err := domain.ParseDecision(args[2])
			if err != nil {
				return err
			}
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SubmitDecision(ctx, engine.DecisionInput{
					Ref:       ref,
					ActorID:   viper.GetString("actor-id"),
					ActorName: viper.GetString("actor-name"),
					ActorRole: role,
					Decision:  decision,
					Comment:   comment,
					Step:      step,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("step %d %s by %s; %s is now %s\n", res.Approval.Step, res.Approval.Decision, res.Approval.ApproverName, ref, res.Entity.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().IntVar(&step, "step", 0, "expected step (rejects the decision if the chain moved)")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Milestone gates",
	}
	var evidence []string
	var notes string
	approve := &cobra.Command{
		Use:   "approve <kind> <id> <milestone>",
		Short: "Complete an approval-gated milestone with evidence",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.ApproveMilestone(ctx, engine.MilestoneApproval{
					Ref:          ref,
					Milestone:    args[2],
					ApproverID:   viper.GetString("actor-id"),
					ApproverName: viper.GetString("actor-name"),
					Evidence:     evidence,
					Notes:        notes,
				})
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	approve.Flags().StringArrayVar(&evidence, "evidence", nil, "evidence URI (repeatable)")
	approve.Flags().StringVar(&notes, "notes", "", "approval notes")
	ms.AddCommand(approve)
	ms.AddCommand(&cobra.Command{
		Use:   "status <kind> <id> <milestone> <status>",
		Short: "Set a milestone status",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			status, err := domain.ParseMilestoneStatus(args[3])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.SetMilestoneStatus(ctx, engine.MilestoneStatusInput{Ref: ref, Milestone: args[2], Status: status, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	})
	return ms
}

func trlCmd() *cobra.Command {
	trl := &cobra.Command{
		Use:   "trl",
		Short: "Technology readiness",
	}
	var evidence string
	var confidence int
	assess := &cobra.Command{
		Use:   "assess <kind> <id> <level>",
		Short: "Record a TRL assessment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			var level int
			if _, err := fmt.Sscanf(args[2], "%d", &level); err != nil {
				return fmt.Errorf("level must be an integer: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AssessTRL(ctx, engine.TRLInput{
					Ref: ref, Level: level, EvidenceText: evidence, Confidence: confidence, AssessorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				as := res.Assessment
				fmt.Printf("TRL %d recorded for %s (pilot ready: %t, commercialization ready: %t)\n", as.Level, ref, as.PilotReady, as.CommercializationReady)
				if as.Regression {
					fmt.Println("warning: level is below the previous assessment")
				}
				return nil
			})
		},
	}
	assess.Flags().StringVar(&evidence, "evidence", "", "evidence summary")
	assess.Flags().IntVar(&confidence, "confidence", 50, "assessor confidence 0..100")
	trl.AddCommand(assess)
	return trl
}

func convertCmd() *cobra.Command {
	var title, fields, key string
	cmd := &cobra.Command{
		Use:   "convert <kind> <id> <to_pilot|to_solution|to_policy|to_scaling_plan>",
		Short: "Create a linked target entity from a source entity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			ct, err := domain.ParseConversionType(args[2])
			if err != nil {
				return err
			}
			raw, err := readFields(fields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Convert(ctx, engine.ConvertRequest{
					Source: ref, Type: ct, Title: title, Fields: raw, ActorID: viper.GetString("actor-id"), IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("created %s from %s\n", res.Target.Ref(), ref)
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				if res.BackRefPending {
					fmt.Printf("back-reference on %s is pending; run 'innoflow repair %s %s'\n", ref, res.Target.Kind, res.Target.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "target title (defaults to the source title)")
	cmd.Flags().StringVar(&fields, "fields", "", "target fields as JSON, or @file")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "retry key; the same key returns the same target")
	return cmd
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <kind> <id>",
		Short: "Write a missing source back-reference for a converted entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RepairBackReference(ctx, ref, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Repaired {
					fmt.Printf("back-reference written on %s/%s\n", res.Link.SourceKind, res.Link.SourceID)
				} else {
					fmt.Println("back-reference already present")
				}
				return nil
			})
		},
	}
}

// --- helpers ---

func parseRef(kind, id string) (domain.Ref, error) {
	k, err := domain.ParseKind(kind)
	if err != nil {
		return domain.Ref{}, err
	}
	return domain.Ref{Kind: k, ID: id}, nil
}

func actingRole() (domain.RoleID, error) {
	raw := viper.GetString("role")
	if raw == "" {
		return "", nil
	}
	return domain.ParseRole(raw)
}

// readFields accepts inline JSON or @path.
func readFields(v string) (json.RawMessage, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	data := []byte(v)
	if strings.HasPrefix(v, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(v, "@"))
		if err != nil {
			return nil, err
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("fields must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func printRecord(rec domain.Record) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", rec.ID},
		{"Kind", rec.Kind},
		{"Title", rec.Title},
		{"Status", rec.Status},
		{"Version", rec.Version},
		{"Approvals", len(rec.Approvals)},
		{"Updated", rec.UpdatedAt},
	})
	if rec.Provenance != nil {
		tw.AppendRow(table.Row{"Source", fmt.Sprintf("%s/%s (%s)", rec.Provenance.SourceKind, rec.Provenance.SourceID, rec.Provenance.ConversionType)})
	}
	tw.Render()
	if rec.Payload != nil {
		b, err := json.MarshalIndent(rec.Payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	return nil
}
