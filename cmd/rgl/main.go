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
	"gopkg.in/yaml.v3"

	"regline/internal/app"
	"regline/internal/audit"
	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/migrate"
	"regline/internal/repo"
	"regline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rgl",
	Short: "Regline CLI",
	Long: `Regline runs regulatory report cycles with a blocking protocol and a
human approval gate.
Core concepts:
- Workspace: your .regline directory holding only the database; tenant
  configs live in the DB and are imported explicitly.
- Cycle: one run of a report for a period, moving through configured
  phases; each phase has required and optional steps.
- Issues: data quality findings; an unmitigated critical issue pauses
  every impacted cycle until it is verified, closed, or escalated.
- Gate: critical tools (submitting a report, writing to a regulator)
  never run directly; they wait as pending actions for a human decision
  with a written rationale.
- Agents: registered analysis routines (CDE scoring, change impact,
  issue triage) a cycle can dispatch; every run lands in the tool log.
- Audit trail: append-only diary of every change, view with 'rgl audit tail'.`,
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
	viper.SetEnvPrefix("REGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-type", domain.ActorHuman, "actor type (human|agent|system)")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides single-tenant default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-type", rootCmd.PersistentFlags().Lookup("actor-type"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(toolCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(cdeCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cycle",
		Short: "Manage report cycles",
		Long:  "A cycle is one run of a regulatory report for a reporting period. It opens on the first configured phase and finishes when every phase is completed.",
	}
	c.AddCommand(cycleStartCmd())
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleShowCmd())
	c.AddCommand(cycleProgressCmd())
	c.AddCommand(cycleNavigateCmd())
	c.AddCommand(cycleCompleteStepCmd())
	c.AddCommand(cycleUpdateStepCmd())
	c.AddCommand(cycleCompletePhaseCmd())
	c.AddCommand(cyclePauseCmd())
	c.AddCommand(cycleResumeCmd())
	return c
}

func cycleStartCmd() *cobra.Command {
	var id, reportID, periodEnd string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a report cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.StartReportCycle(ctx, engine.StartCycleOptions{
					ID:        id,
					ReportID:  reportID,
					PeriodEnd: periodEnd,
					Actor:     cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id (generated when empty)")
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	cmd.Flags().StringVar(&periodEnd, "period-end", "", "reporting period end (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("period-end")
	return cmd
}

func cycleListCmd() *cobra.Command {
	var f repo.CycleFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				cycles, err := e.Repo.ListCycles(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cycles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Report", "Period", "Status", "Phase", "Step"})
				for _, c := range cycles {
					tw.AppendRow(table.Row{c.ID, c.ReportID, c.PeriodEnd, c.Status, c.CurrentPhase, c.CurrentStep})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ReportID, "report", "", "report id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func cycleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <cycle-id>",
		Short: "Show cycle with phase tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s (%s, period %s) [%s]\n", c.ID, c.ReportID, c.PeriodEnd, c.Status)
				for _, p := range c.Phases {
					marker := " "
					if p.Name == c.CurrentPhase {
						marker = "*"
					}
					fmt.Printf("%s %d. %s [%s]\n", marker, p.Position, p.Name, p.Status)
					for _, s := range p.Steps {
						required := ""
						if s.IsRequired {
							required = " (required)"
						}
						fmt.Printf("     %d. %s [%s]%s\n", s.Position, s.Name, s.Status, required)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func cycleProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <cycle-id>",
		Short: "Show cycle progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"cycle_id":      c.ID,
					"status":        c.Status,
					"current_phase": c.CurrentPhase,
					"current_step":  c.CurrentStep,
					"progress":      engine.OverallProgress(c),
				})
			})
		},
	}
	return cmd
}

func cycleNavigateCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "navigate <cycle-id>",
		Short: "Move the cycle pointer to another phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.NavigateToPhase(ctx, args[0], phase, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "target phase name")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func cycleCompleteStepCmd() *cobra.Command {
	var phase, payloadJSON string
	var position int
	cmd := &cobra.Command{
		Use:   "complete-step <cycle-id>",
		Short: "Complete a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref := engine.StepRef{CycleID: args[0], Phase: phase, Position: position}
				c, err := e.CompleteStep(ctx, ref, payloadJSON, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	cmd.Flags().IntVar(&position, "step", 0, "step position within the phase")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "step payload JSON")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func cycleUpdateStepCmd() *cobra.Command {
	var phase, payloadJSON string
	var position int
	var skip bool
	var validationErrors []string
	cmd := &cobra.Command{
		Use:   "update-step <cycle-id>",
		Short: "Record validation results or payload on a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.StepUpdateOptions{Skip: skip}
				if cmd.Flags().Changed("validation-error") {
					opts.ValidationErrors = &validationErrors
				}
				if payloadJSON != "" {
					opts.PayloadJSON = &payloadJSON
				}
				ref := engine.StepRef{CycleID: args[0], Phase: phase, Position: position}
				c, err := e.UpdateStep(ctx, ref, opts, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	cmd.Flags().IntVar(&position, "step", 0, "step position within the phase")
	cmd.Flags().StringArrayVar(&validationErrors, "validation-error", []string{}, "validation error (repeatable; pass none to clear)")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "step payload JSON")
	cmd.Flags().BoolVar(&skip, "skip", false, "skip an optional step")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func cycleCompletePhaseCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "complete-phase <cycle-id>",
		Short: "Complete a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CompletePhase(ctx, args[0], phase, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase name")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func cyclePauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <cycle-id>",
		Short: "Pause a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.PauseCycle(ctx, args[0], reason, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "pause reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func cycleResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <cycle-id>",
		Short: "Resume a paused cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResumeCycle(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func issueCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "issue",
		Short: "Manage data quality issues",
		Long:  "Issues track data quality findings. An unmitigated critical issue blocks every impacted report until it is verified, closed, or escalated.",
	}
	c.AddCommand(issueReportCmd())
	c.AddCommand(issueListCmd())
	c.AddCommand(issueShowCmd())
	c.AddCommand(issueStatusCmd())
	c.AddCommand(issueBlockingCmd())
	return c
}

func issueReportCmd() *cobra.Command {
	var f engine.RuleFailure
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Open an issue from a failed quality rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.CreateIssueFromRuleFailure(ctx, f, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&f.RuleName, "rule", "", "quality rule name")
	cmd.Flags().StringVar(&f.Detail, "detail", "", "failure detail")
	cmd.Flags().StringVar(&f.Severity, "severity", domain.SeverityMedium, "severity (critical|high|medium|low)")
	cmd.Flags().StringArrayVar(&f.ImpactedReports, "impacted-report", []string{}, "impacted report id (repeatable; none means tenant-wide)")
	cmd.Flags().StringArrayVar(&f.ImpactedCDEs, "impacted-cde", []string{}, "impacted CDE id (repeatable)")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				issues, err := e.Repo.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Status", "Title", "Reports"})
				for _, is := range issues {
					tw.AppendRow(table.Row{is.ID, is.Severity, is.Status, is.Title, strings.Join(is.ImpactedReports, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	return cmd
}

func issueStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <issue-id>",
		Short: "Move an issue through its lifecycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.UpdateIssueStatus(ctx, args[0], status, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func issueBlockingCmd() *cobra.Command {
	var reportID string
	cmd := &cobra.Command{
		Use:   "blocking",
		Short: "List critical issues blocking a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.BlockingIssues(ctx, reportID)
				if err != nil {
					return err
				}
				return printJSONOrTable(issues)
			})
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func gateCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "gate",
		Short: "Review the approval gate",
		Long:  "Critical tool calls wait here as pending actions. A reviewer approves (optionally with changed parameters), rejects, or defers each one with a written rationale; the requester may cancel.",
	}
	c.AddCommand(gatePendingCmd())
	c.AddCommand(gateShowCmd())
	c.AddCommand(gateDecideCmd())
	c.AddCommand(gateCancelCmd())
	c.AddCommand(gateDecisionCmd())
	return c
}

func gatePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending gate actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.ListPendingActions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tool", "Requested By", "Created"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.ToolName, a.RequestedBy, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func gateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show gate action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetGateAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func gateDecideCmd() *cobra.Command {
	var decision, rationale, changedParamsJSON string
	cmd := &cobra.Command{
		Use:   "decide <action-id>",
		Short: "Decide a pending gate action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := parseParamsJSON(changedParamsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, result, err := e.ProcessDecision(ctx, engine.DecisionRequest{
					ActionID:      args[0],
					Decision:      decision,
					Rationale:     rationale,
					ChangedParams: changed,
					Actor:         cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"decision": d, "result": result})
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved|approved_with_changes|rejected|deferred")
	cmd.Flags().StringVar(&rationale, "rationale", "", "written rationale")
	cmd.Flags().StringVar(&changedParamsJSON, "changed-params-json", "", "parameter overrides JSON (approved_with_changes)")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("rationale")
	return cmd
}

func gateCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a pending gate action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CancelAction(ctx, args[0], reason, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is withdrawn")
	return cmd
}

func gateDecisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision <action-id>",
		Short: "Show the decision for an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func toolCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "tool",
		Short: "Execute tools through the gate",
	}
	c.AddCommand(toolExecCmd())
	return c
}

func toolExecCmd() *cobra.Command {
	var name, cycleID, sessionID, paramsJSON string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a tool",
		Long:  "Non-critical tools run immediately. Critical tools return a pending gate action instead of executing; decide it with 'rgl gate decide'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParamsJSON(paramsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ExecuteTool(ctx, engine.ToolRequest{
					ToolName:  name,
					CycleID:   cycleID,
					Params:    params,
					Actor:     cliActor(),
					SessionID: sessionID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "tool name")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "parameters JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "agent",
		Short: "Run analysis agents",
	}
	c.AddCommand(agentListCmd())
	c.AddCommand(agentTriggerCmd())
	return c
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Agents.Names())
			})
		},
	}
	return cmd
}

func agentTriggerCmd() *cobra.Command {
	var cycleID, reportID, sessionID, paramsJSON string
	cmd := &cobra.Command{
		Use:   "trigger <agent-name>",
		Short: "Trigger an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParamsJSON(paramsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.TriggerAgent(ctx, engine.AgentRequest{
					AgentName: args[0],
					CycleID:   cycleID,
					ReportID:  reportID,
					Params:    params,
					Actor:     cliActor(),
					SessionID: sessionID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "parameters JSON")
	return cmd
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail",
		Long:  "The append-only diary of every change: who did what, to which entity, and the state before and after.",
	}
	c.AddCommand(auditTailCmd())
	c.AddCommand(auditSessionCmd())
	return c
}

func auditTailCmd() *cobra.Command {
	var entityType, entityID string
	var afterSeq int64
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.Query(ctx, audit.Filters{
					TenantID:   e.Config.Tenant.ID,
					EntityType: entityType,
					EntityID:   entityID,
					AfterSeq:   afterSeq,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Actor", "Action", "Entity", "ID"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Seq, entry.TS, entry.Actor, entry.Action, entry.EntityType, entry.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "entries after this sequence number")
	cmd.Flags().IntVar(&limit, "n", 20, "max entries")
	return cmd
}

func auditSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "List tool calls for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				calls, err := e.ToolLog.BySession(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(calls)
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "rep",
		Short: "Manage the report catalog",
	}
	c.AddCommand(reportCreateCmd())
	c.AddCommand(reportListCmd())
	c.AddCommand(reportShowCmd())
	return c
}

func reportCreateCmd() *cobra.Command {
	var rep domain.Report
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep.TenantID = e.Config.Tenant.ID
				if err := e.Repo.InsertReport(ctx, cliActor(), rep); err != nil {
					return err
				}
				created, err := e.Repo.GetReport(ctx, rep.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&rep.ID, "id", "", "report id")
	cmd.Flags().StringVar(&rep.Name, "name", "", "report name")
	cmd.Flags().StringVar(&rep.Jurisdiction, "jurisdiction", "", "jurisdiction")
	cmd.Flags().StringVar(&rep.Frequency, "frequency", "", "monthly|quarterly|annual")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func reportListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reports, err := e.Repo.ListReports(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(reports)
			})
		},
	}
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Show report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Repo.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func cdeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cde",
		Short: "Manage critical data elements",
	}
	c.AddCommand(cdeCreateCmd())
	c.AddCommand(cdeListCmd())
	c.AddCommand(cdeShowCmd())
	return c
}

func cdeCreateCmd() *cobra.Command {
	var c domain.CDE
	var qualityScore float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a critical data element",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c.TenantID = e.Config.Tenant.ID
				if cmd.Flags().Changed("quality-score") {
					c.QualityScore = &qualityScore
				}
				if err := e.Repo.InsertCDE(ctx, cliActor(), c); err != nil {
					return err
				}
				created, err := e.Repo.GetCDE(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&c.ID, "id", "", "element id")
	cmd.Flags().StringVar(&c.Name, "name", "", "element name")
	cmd.Flags().StringVar(&c.Owner, "owner", "", "data owner")
	cmd.Flags().StringVar(&c.SourceSystem, "source", "", "source system")
	cmd.Flags().StringArrayVar(&c.ReportIDs, "feeds-report", []string{}, "report this element feeds (repeatable)")
	cmd.Flags().StringVar(&c.Sensitivity, "sensitivity", "", "public|internal|confidential|restricted")
	cmd.Flags().Float64Var(&qualityScore, "quality-score", 0, "quality score in [0,1]")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func cdeListCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List critical data elements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID := e.Config.Tenant.ID
				var (
					cdes []domain.CDE
					err  error
				)
				if source != "" {
					cdes, err = e.Repo.ListCDEsBySource(ctx, tenantID, source)
				} else {
					cdes, err = e.Repo.ListCDEs(ctx, tenantID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cdes)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source system filter")
	return cmd
}

func cdeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <cde-id>",
		Short: "Show critical data element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCDE(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func annotateCmd() *cobra.Command {
	var a domain.Annotation
	var list bool
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Annotate an entity or list annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a.TenantID = e.Config.Tenant.ID
				if list {
					items, err := e.Repo.ListAnnotations(ctx, a.TenantID, a.EntityType, a.EntityID)
					if err != nil {
						return err
					}
					return printJSONOrTable(items)
				}
				if strings.TrimSpace(a.Text) == "" {
					return fmt.Errorf("--text required")
				}
				a.ID = newID()
				a.Author = viper.GetString("actor-id")
				created, err := e.Repo.InsertAnnotation(ctx, cliActor(), a)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&a.EntityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&a.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&a.Text, "text", "", "annotation text")
	cmd.Flags().BoolVar(&list, "list", false, "list instead of create")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func keysCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	c.AddCommand(keysCreateCmd())
	c.AddCommand(keysListCmd())
	c.AddCommand(keysDeleteCmd())
	return c
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext := "rgl_" + strings.ReplaceAll(newID(), "-", "")
				key := domain.APIKey{
					ID:       newID(),
					ActorID:  actorID,
					TenantID: e.Config.Tenant.ID,
					Name:     name,
					KeyHash:  repo.HashAPIKey(plaintext),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect tenant config",
		Long:  "Config is the rulebook (stored in DB): the phase plan, gated tools, rationale minimum, default assignee, and webhooks. Import from regline.yml if desired.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(configImportCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg := &config.Config{}
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID := viper.GetString("tenant")
				if tenantID == "" {
					tenantID = cfg.Tenant.ID
				}
				if tenantID == "" {
					return fmt.Errorf("tenant id missing; set tenant.id in %s or pass --tenant", file)
				}
				if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for tenant %s\n", tenantID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "regline.yml", "config file path")
	return cmd
}

func configInitCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed a tenant with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg := config.Default(tenantID)
				if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "id", "", "tenant id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Tenant status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID := e.Config.Tenant.ID
				active, err := e.Repo.ListCycles(ctx, repo.CycleFilters{TenantID: tenantID, Status: domain.CycleActive})
				if err != nil {
					return err
				}
				paused, err := e.Repo.ListCycles(ctx, repo.CycleFilters{TenantID: tenantID, Status: domain.CyclePaused})
				if err != nil {
					return err
				}
				pending, err := e.Repo.ListPendingGateActions(ctx, tenantID)
				if err != nil {
					return err
				}
				seq, err := e.Audit.LatestSeq(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"tenant":           tenantID,
					"active_cycles":    len(active),
					"paused_cycles":    len(paused),
					"pending_gates":    len(pending),
					"latest_audit_seq": seq,
				})
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
			r := repo.Repo{DB: conn, Audit: audit.Log{DB: conn}}
			_, cfg, err := app.ResolveTenantConfig(cmd.Context(), viper.GetString("tenant"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("REGLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REGLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Regline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

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
	r := repo.Repo{DB: conn, Audit: audit.Log{DB: conn}}
	_, cfg, err := app.ResolveTenantConfig(ctx, viper.GetString("tenant"), r)
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
	return fn(ctx, repo.Repo{DB: conn, Audit: audit.Log{DB: conn}})
}

func cliActor() audit.Actor {
	return audit.Actor{
		ID:   viper.GetString("actor-id"),
		Type: viper.GetString("actor-type"),
	}
}

func newID() string {
	return uuid.NewString()
}

func parseParamsJSON(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("parse params JSON: %w", err)
	}
	return params, nil
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
