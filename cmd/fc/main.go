package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fellcore/internal/app"
	"fellcore/internal/config"
	"fellcore/internal/db"
	"fellcore/internal/domain"
	"fellcore/internal/engine"
	"fellcore/internal/migrate"
	"fellcore/internal/repo"
	"fellcore/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fc",
	Short: "Fellcore CLI",
	Long: `Fellcore administers felling licence applications through their review
workflow: submission, admin officer review, woodland officer review, and the
approval decision. Applications carry an append-only status ledger and
role-assignment history; every mutation writes one audit event.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FELLCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(detailsCmd())
	rootCmd.AddCommand(amendmentsCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func appCmd() *cobra.Command {
	a := &cobra.Command{Use: "app", Short: "Manage applications"}
	a.AddCommand(appCreateCmd())
	a.AddCommand(appListCmd())
	a.AddCommand(appShowCmd())
	a.AddCommand(appSubmitCmd())
	a.AddCommand(appReceiveCmd())
	a.AddCommand(appReturnCmd())
	a.AddCommand(appWithdrawCmd())
	a.AddCommand(appReinstateCmd())
	a.AddCommand(appAssignCmd())
	a.AddCommand(appReferenceCmd())
	return a
}

func appCreateCmd() *cobra.Command {
	var property string
	var agency, treeHealth bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateApplication(ctx, engine.CreateApplicationOptions{
					PropertyName:    property,
					AgencyLinked:    agency,
					TreeHealthIssue: treeHealth,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "property name")
	cmd.Flags().BoolVar(&agency, "agency-linked", false, "application is agency-linked")
	cmd.Flags().BoolVar(&treeHealth, "tree-health", false, "application raises a tree health issue")
	return cmd
}

func appListCmd() *cobra.Command {
	var status, assigned string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, repo.ApplicationFilters{
					Status:         domain.Status(status),
					AssignedUserID: assigned,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reference", "Status", "Property", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Reference, a.CurrentStatus(), a.PropertyName, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by current status")
	cmd.Flags().StringVar(&assigned, "assigned", "", "filter by assigned user")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func appShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-reference>",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := app.ResolveApplication(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func appSubmitCmd() *cobra.Command {
	var detailsFile string
	cmd := &cobra.Command{
		Use:   "submit <id-or-reference>",
		Short: "Submit an application, freezing its proposed details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var details struct {
				Felling    []domain.ProposedFellingDetail    `json:"felling"`
				Restocking []domain.ProposedRestockingDetail `json:"restocking"`
			}
			if detailsFile != "" {
				data, err := os.ReadFile(detailsFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &details); err != nil {
					return fmt.Errorf("invalid details file: %w", err)
				}
			}
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := e.SubmitApplication(ctx, a.ID, viper.GetString("actor-id"), details.Felling, details.Restocking)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&detailsFile, "details", "", "JSON file with proposed felling/restocking details")
	return cmd
}

func appReceiveCmd() *cobra.Command {
	return simpleAppCmd("receive", "Mark a submitted application as received",
		func(ctx context.Context, e engine.Engine, id, actor string) (domain.Application, error) {
			return e.ReceiveApplication(ctx, id, actor)
		})
}

func appReturnCmd() *cobra.Command {
	return simpleAppCmd("return", "Return an application to the applicant",
		func(ctx context.Context, e engine.Engine, id, actor string) (domain.Application, error) {
			return e.ReturnToApplicant(ctx, id, actor)
		})
}

func appReinstateCmd() *cobra.Command {
	return simpleAppCmd("reinstate", "Reinstate a withdrawn application to its prior status",
		func(ctx context.Context, e engine.Engine, id, actor string) (domain.Application, error) {
			return e.RevertApplicationFromWithdrawn(ctx, id, actor)
		})
}

func appWithdrawCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "withdraw <id-or-reference>",
		Short: "Withdraw an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := e.WithdrawApplication(ctx, a.ID, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "withdrawal reason")
	return cmd
}

func appAssignCmd() *cobra.Command {
	var role, userID string
	cmd := &cobra.Command{
		Use:   "assign <id-or-reference>",
		Short: "Assign a role holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				previous, err := e.AssignUser(ctx, a.ID, domain.Role(role), userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"role":     role,
					"user_id":  userID,
					"previous": previous,
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (applicant, admin_officer, woodland_officer, field_manager)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func appReferenceCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "reference <id-or-reference>",
		Short: "Update the reference prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				ref, err := e.UpdateReferenceNumber(ctx, a.ID, viper.GetString("actor-id"), prefix)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"reference": ref})
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "new reference prefix")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Drive the review stages"}
	r.AddCommand(reviewStartCmd())
	r.AddCommand(reviewCheckCmd())
	r.AddCommand(reviewCompleteAdminCmd())
	r.AddCommand(reviewStepCmd())
	r.AddCommand(reviewRecommendCmd())
	r.AddCommand(reviewCompleteWoodlandCmd())
	r.AddCommand(reviewTasklistCmd())
	return r
}

func reviewStartCmd() *cobra.Command {
	return simpleAppCmd("start", "Start the admin officer review",
		func(ctx context.Context, e engine.Engine, id, actor string) (domain.Application, error) {
			return e.StartAdminOfficerReview(ctx, id, actor)
		})
}

func reviewCheckCmd() *cobra.Command {
	var check string
	var passed bool
	cmd := &cobra.Command{
		Use:   "check <id-or-reference>",
		Short: "Record an admin review check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := e.SetAdminCheck(ctx, a.ID, viper.GetString("actor-id"), domain.AdminCheck(check), passed)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated.AdminOfficerReview)
			})
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "check name")
	cmd.Flags().BoolVar(&passed, "passed", false, "check outcome")
	_ = cmd.MarkFlagRequired("check")
	return cmd
}

func reviewCompleteAdminCmd() *cobra.Command {
	var skipWoodland bool
	cmd := &cobra.Command{
		Use:   "complete-admin <id-or-reference>",
		Short: "Complete the admin officer review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				officer, err := e.CompleteAdminOfficerReview(ctx, a.ID, viper.GetString("actor-id"), skipWoodland)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"receiving_officer": officer})
			})
		},
	}
	cmd.Flags().BoolVar(&skipWoodland, "skip-woodland", false, "send straight to approval")
	return cmd
}

func reviewStepCmd() *cobra.Command {
	var step, status string
	cmd := &cobra.Command{
		Use:   "step <id-or-reference>",
		Short: "Record a woodland review step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := e.SetWoodlandStepStatus(ctx, a.ID, viper.GetString("actor-id"), domain.WoodlandStep(step), domain.StepStatus(status))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated.WoodlandOfficerReview)
			})
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step name")
	cmd.Flags().StringVar(&status, "status", "", "step status")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func reviewRecommendCmd() *cobra.Command {
	var duration int
	var publicRegister bool
	cmd := &cobra.Command{
		Use:   "recommend <id-or-reference>",
		Short: "Record woodland review recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				var dur *int
				if cmd.Flags().Changed("duration") {
					dur = &duration
				}
				var pr *bool
				if cmd.Flags().Changed("public-register") {
					pr = &publicRegister
				}
				updated, err := e.SetWoodlandRecommendations(ctx, a.ID, viper.GetString("actor-id"), dur, pr)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated.WoodlandOfficerReview)
			})
		},
	}
	cmd.Flags().IntVar(&duration, "duration", 0, "recommended licence duration in years")
	cmd.Flags().BoolVar(&publicRegister, "public-register", false, "recommend decision public register")
	return cmd
}

func reviewCompleteWoodlandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete-woodland <id-or-reference>",
		Short: "Complete the woodland officer review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				officer, err := e.CompleteWoodlandOfficerReview(ctx, a.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"receiving_officer": officer})
			})
		},
	}
	return cmd
}

func reviewTasklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasklist <id-or-reference>",
		Short: "Show the review task lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				out := map[string]map[string]string{}
				if a.AdminOfficerReview != nil {
					admin := map[string]string{}
					for check, status := range engine.AdminTaskList(a, *a.AdminOfficerReview) {
						admin[string(check)] = string(status)
					}
					out["admin"] = admin
				}
				if a.WoodlandOfficerReview != nil {
					woodland := map[string]string{}
					for _, step := range engine.WoodlandSteps() {
						woodland[string(step)] = string(a.WoodlandOfficerReview.Step(step))
					}
					out["woodland"] = woodland
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func detailsCmd() *cobra.Command {
	d := &cobra.Command{Use: "details", Short: "Confirmed felling/restocking details"}
	d.AddCommand(detailsReconcileCmd())
	d.AddCommand(detailsConfirmFellingCmd())
	d.AddCommand(detailsConfirmRestockingCmd())
	d.AddCommand(detailsDeleteFellingCmd())
	d.AddCommand(detailsDeleteRestockingCmd())
	return d
}

func detailsReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <id-or-reference>",
		Short: "Show proposed vs confirmed details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				return printJSONOrTable(engine.Reconcile(a))
			})
		},
	}
	return cmd
}

func detailsConfirmFellingCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "confirm-felling <id-or-reference>",
		Short: "Create or update a confirmed felling detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d domain.ConfirmedFellingDetail
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("invalid detail file: %w", err)
			}
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				diff, err := e.ConfirmFellingDetail(ctx, a.ID, viper.GetString("actor-id"), d)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"changes": diff})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the detail")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func detailsConfirmRestockingCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "confirm-restocking <id-or-reference>",
		Short: "Create or update a confirmed restocking detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d domain.ConfirmedRestockingDetail
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("invalid detail file: %w", err)
			}
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				diff, err := e.ConfirmRestockingDetail(ctx, a.ID, viper.GetString("actor-id"), d)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"changes": diff})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the detail")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func detailsDeleteFellingCmd() *cobra.Command {
	var compartment, operation string
	cmd := &cobra.Command{
		Use:   "delete-felling <id-or-reference>",
		Short: "Delete a confirmed felling detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				return e.DeleteConfirmedFellingDetail(ctx, a.ID, viper.GetString("actor-id"), compartment, operation)
			})
		},
	}
	cmd.Flags().StringVar(&compartment, "compartment", "", "compartment id")
	cmd.Flags().StringVar(&operation, "operation", "", "operation type")
	_ = cmd.MarkFlagRequired("compartment")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}

func detailsDeleteRestockingCmd() *cobra.Command {
	var compartment, proposal string
	cmd := &cobra.Command{
		Use:   "delete-restocking <id-or-reference>",
		Short: "Delete a confirmed restocking detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				return e.DeleteConfirmedRestockingDetail(ctx, a.ID, viper.GetString("actor-id"), compartment, proposal)
			})
		},
	}
	cmd.Flags().StringVar(&compartment, "compartment", "", "compartment id")
	cmd.Flags().StringVar(&proposal, "proposal", "", "restocking proposal")
	_ = cmd.MarkFlagRequired("compartment")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func amendmentsCmd() *cobra.Command {
	am := &cobra.Command{Use: "amendments", Short: "Amendment review sub-protocol"}
	am.AddCommand(amendmentsSendCmd())
	am.AddCommand(amendmentsRespondCmd())
	am.AddCommand(amendmentsOverdueCmd())
	am.AddCommand(amendmentsSweepCmd())
	return am
}

func amendmentsSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <id-or-reference>",
		Short: "Send confirmed-detail amendments to the applicant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				ar, err := e.SendAmendments(ctx, a.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
	return cmd
}

func amendmentsRespondCmd() *cobra.Command {
	var agree bool
	var reason string
	cmd := &cobra.Command{
		Use:   "respond <id-or-reference>",
		Short: "Record the applicant's amendment response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				ar, err := e.RecordAmendmentResponse(ctx, a.ID, viper.GetString("actor-id"), agree, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
	cmd.Flags().BoolVar(&agree, "agree", false, "applicant agrees with the amendments")
	cmd.Flags().StringVar(&reason, "reason", "", "disagreement reason")
	return cmd
}

func amendmentsOverdueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List unanswered amendment reviews past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.OverdueAmendmentReviews(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

// amendmentsSweepCmd is the scheduled-withdrawal trigger: each overdue
// amendment review withdraws its application. Applications that have
// already moved on fail the transition check and are reported, not fatal.
func amendmentsSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Withdraw applications with overdue amendment responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.OverdueAmendmentReviews(ctx)
				if err != nil {
					return err
				}
				actor := viper.GetString("actor-id")
				results := map[string]string{}
				for _, ar := range items {
					_, err := e.WithdrawApplication(ctx, ar.ApplicationID, actor, "amendment response deadline missed")
					if err != nil {
						results[ar.ApplicationID] = err.Error()
						continue
					}
					results[ar.ApplicationID] = "withdrawn"
				}
				return printJSONOrTable(results)
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	d := &cobra.Command{Use: "decision", Short: "Approval decisions and reverts"}
	d.AddCommand(decisionDecideCmd())
	d.AddCommand(decisionRevertCmd())
	d.AddCommand(decisionApprovedInErrorCmd())
	return d
}

func decisionDecideCmd() *cobra.Command {
	var decision, remarks string
	cmd := &cobra.Command{
		Use:   "decide <id-or-reference>",
		Short: "Record the approval decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := e.Decide(ctx, a.ID, viper.GetString("actor-id"), domain.Status(decision), remarks)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "outcome", "", "approved, refused or referred_to_local_authority")
	cmd.Flags().StringVar(&remarks, "remarks", "", "decision remarks")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func decisionRevertCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "revert <id-or-reference>",
		Short: "Revert to an earlier review stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				actor := viper.GetString("actor-id")
				var updated domain.Application
				var err error
				switch to {
				case "woodland":
					updated, err = e.RevertToWoodlandOfficerReview(ctx, a.ID, actor)
				case "admin":
					updated, err = e.RevertToAdminOfficerReview(ctx, a.ID, actor)
				default:
					return fmt.Errorf("--to must be woodland or admin")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage: woodland or admin")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func decisionApprovedInErrorCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approved-in-error <id-or-reference>",
		Short: "Correct an approval issued in error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := e.MarkApprovedInError(ctx, a.ID, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the approval was in error")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage service config"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	c.AddCommand(configImportCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fellcore.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.StoreConfig(ctx, r, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, applicationID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, applicationID, evtType, entityKind)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&applicationID, "application", "", "application id")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyDeleteCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FELLCORE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FELLCORE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartDispatchers(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fellcore API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func simpleAppCmd(use, short string, act func(ctx context.Context, e engine.Engine, id, actor string) (domain.Application, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id-or-reference>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, a domain.Application) error {
				updated, err := act(ctx, e, a.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withApplication(ctx context.Context, idOrRef string, fn func(context.Context, engine.Engine, domain.Application) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		a, err := app.ResolveApplication(ctx, e.Repo, idOrRef)
		if err != nil {
			return err
		}
		return fn(ctx, e, a)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
