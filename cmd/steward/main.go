package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/repo"
	"steward/internal/scheduler"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward CLI",
	Long: `Steward assigns compliance work to the right people and tracks SLA health.
Core concepts:
- Workspace: your .steward directory holding only the database; engine configs live in the DB and are imported explicitly.
- Organization: owns users and work items; one engine config per org.
- Work items: plans (30-day SLA by default) and tasks (8-hour SLA by default), statuses pending -> assigned -> in_progress -> completed (cancelled exits).
- Rule engine: synchronous multi-responsible assignment at creation time (sector manager, compliance auditor, regional manager for plans; ranked role candidates for tasks).
- Optimizer: recurring batch that scores every eligible user per pending item and assigns the best fit, reporting bottlenecks where nobody qualifies.
- Profiles and patterns: rebuildable caches derived from completion history; never the system of record.
- SLA tracker: stateless recomputation of on_track / at_risk / breached from the clock; completed and cancelled are terminal.
- Event log: diary of changes, view with 'steward log tail'.`,
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
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides single-org default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(optimizeCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(profilesCmd())
	rootCmd.AddCommand(patternsCmd())
	rootCmd.AddCommand(roleActionsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgListCmd())
	org.AddCommand(orgShowCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var id, name, region, sector, accountable string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if name == "" {
				name = id
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o := domain.Organization{
					ID:              id,
					Name:            name,
					Region:          region,
					Sector:          sector,
					AccountableRole: accountable,
					CreatedAt:       time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertOrg(ctx, o); err != nil {
					return err
				}
				if err := r.UpsertEngineConfig(ctx, id, config.Default(id)); err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&region, "region", "", "region")
	cmd.Flags().StringVar(&sector, "sector", "", "sector")
	cmd.Flags().StringVar(&accountable, "accountable-role", "", "top-level accountable role for fallback assignment")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orgs, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(orgs)
			})
		},
	}
}

func orgShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrg(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
		Long:  "Users are assignment candidates: each has a role, an organization, a region, and an experience level that feed the scorer and the rule engine.",
	}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userActiveCmd("activate", true))
	user.AddCommand(userActiveCmd("deactivate", false))
	return user
}

func userCreateCmd() *cobra.Command {
	var id, name, role, orgID, region, sector, experience string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || role == "" {
				return fmt.Errorf("--id and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if orgID == "" {
					orgID = e.Config.Org.ID
				}
				u := domain.User{
					ID:         id,
					Name:       name,
					Role:       role,
					OrgID:      orgID,
					Region:     region,
					Sector:     sector,
					Experience: experience,
					Active:     true,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if u.Experience == "" {
					u.Experience = "mid"
				}
				if err := e.Repo.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role, e.g. compliance_auditor")
	cmd.Flags().StringVar(&orgID, "org-id", "", "organization id")
	cmd.Flags().StringVar(&region, "region", "", "region")
	cmd.Flags().StringVar(&sector, "sector", "", "sector")
	cmd.Flags().StringVar(&experience, "experience", "mid", "experience level (junior, mid, senior, expert)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userListCmd() *cobra.Command {
	var f repo.UserFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Org", "Region", "Experience", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.OrgID, u.Region, u.Experience, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OrgID, "org-id", "", "organization filter")
	cmd.Flags().StringVar(&f.Region, "region", "", "region filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userActiveCmd(use string, active bool) *cobra.Command {
	short := "Deactivate a user"
	if active {
		short = "Activate a user"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetUserActive(ctx, args[0], active); err != nil {
					return err
				}
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items are plans and tasks awaiting assignment and SLA tracking. Create them pending and let the rule engine or the optimizer place them.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemCompleteCmd())
	item.AddCommand(itemCancelCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var id, kind, category, priority, orgID, planID, frameworkID, title, dueAt string
	var requiredRoles []string
	var autoAssign bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if category == "" {
				return fmt.Errorf("--category required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if orgID == "" {
					orgID = e.Config.Org.ID
				}
				opts := engine.WorkItemCreateOptions{
					ID:            id,
					Kind:          domain.ItemKind(kind),
					Category:      category,
					Priority:      domain.Priority(priority),
					OrgID:         orgID,
					RequiredRoles: requiredRoles,
					Title:         title,
					ActorID:       viper.GetString("actor-id"),
				}
				if planID != "" {
					opts.PlanID = &planID
				}
				if frameworkID != "" {
					opts.FrameworkID = &frameworkID
				}
				if dueAt != "" {
					opts.DueAt = &dueAt
				}
				item, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				if !autoAssign {
					return printJSONOrTable(item)
				}
				var res *engine.AssignResult
				if item.Kind == domain.KindPlan {
					res, err = e.AutoAssignPlan(ctx, item.ID, opts.ActorID)
				} else {
					res, err = e.AutoAssignTask(ctx, item.ID, opts.ActorID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item": item, "assign": res})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&kind, "kind", "task", "plan or task")
	cmd.Flags().StringVar(&category, "category", "", "category, e.g. audit, review, remediation, reporting")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (critical, high, medium, low)")
	cmd.Flags().StringVar(&orgID, "org-id", "", "owning organization")
	cmd.Flags().StringVar(&planID, "plan", "", "parent plan id (tasks only)")
	cmd.Flags().StringVar(&frameworkID, "framework", "", "referenced compliance framework")
	cmd.Flags().StringArrayVar(&requiredRoles, "require-role", []string{}, "required role (repeatable)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&dueAt, "due-at", "", "explicit SLA target (RFC3339)")
	cmd.Flags().BoolVar(&autoAssign, "assign", false, "run the rule engine immediately")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Category", "Priority", "Status", "Title"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Kind, it.Category, it.Priority, it.Status, it.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "plan or task")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OrgID, "org-id", "", "organization filter")
	cmd.Flags().StringVar(&f.PlanID, "plan", "", "parent plan filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				item, err := r.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := r.ListAssignmentsByItem(ctx, item.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item": item, "assignments": assignments})
			})
		},
	}
}

func itemCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a work item completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.CompleteItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.CancelItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func assignCmd() *cobra.Command {
	assign := &cobra.Command{
		Use:   "assign",
		Short: "Run the auto-assignment rule engine",
		Long:  "Synchronous multi-responsible assignment: plans get a sector manager, a compliance auditor (when a framework is referenced) and a regional manager; tasks inherit the plan primary and fill required roles by workload.",
	}
	assign.AddCommand(&cobra.Command{
		Use:   "plan <id>",
		Short: "Auto-assign a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.AutoAssignPlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	assign.AddCommand(&cobra.Command{
		Use:   "task <id>",
		Short: "Auto-assign a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.AutoAssignTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return assign
}

func optimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Run one assignment optimizer batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.RebuildProfiles(ctx); err != nil {
					return err
				}
				report, err := e.OptimizeScheduling(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func slaCmd() *cobra.Command {
	sla := &cobra.Command{
		Use:   "sla",
		Short: "SLA tracking",
	}
	sla.AddCommand(slaShowCmd())
	sla.AddCommand(slaUpdateCmd())
	sla.AddCommand(slaRecomputeAllCmd())
	return sla
}

func slaShowCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "show <item-id>",
		Short: "SLA records for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListSLARecordsByItem(ctx, domain.ItemKind(kind), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Compliance %", "Remaining h", "Overdue h", "Target"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.ID, rec.Status, fmt.Sprintf("%.1f", rec.CompliancePct),
						fmt.Sprintf("%.1f", rec.HoursRemaining), fmt.Sprintf("%.1f", rec.HoursOverdue), rec.TargetAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "task", "plan or task")
	return cmd
}

func slaUpdateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Recompute SLA status for one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.UpdateSLATracking(ctx, domain.ItemKind(kind), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "task", "plan or task")
	return cmd
}

func slaRecomputeAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute-all",
		Short: "Recompute every open SLA record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				updated, err := e.RecomputeAllSLA(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"updated": updated})
			})
		},
	}
}

func profilesCmd() *cobra.Command {
	profiles := &cobra.Command{
		Use:   "profiles",
		Short: "User performance profiles",
		Long:  "Profiles are rebuildable aggregates of completion history. They inform the scorer and the predictor and can be discarded at any time.",
	}
	profiles.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild profiles from history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.RebuildProfiles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"users": n})
			})
		},
	})
	profiles.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show cached profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.RebuildProfiles(ctx); err != nil {
					return err
				}
				list := e.Profiles()
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Assigned", "Completed", "Reliability", "Avg h"})
				for _, p := range list {
					tw.AppendRow(table.Row{p.UserID, p.TotalAssigned, p.TotalCompleted,
						fmt.Sprintf("%.2f", p.Reliability), fmt.Sprintf("%.1f", p.AvgHours)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return profiles
}

func patternsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "Completion-time patterns by category, priority, time of day, weekday",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.RebuildProfiles(ctx); err != nil {
					return err
				}
				return printJSONOrTable(e.Patterns())
			})
		},
	}
}

func roleActionsCmd() *cobra.Command {
	ra := &cobra.Command{
		Use:   "role-actions",
		Short: "Role action policy",
		Long:  "Read-only policy lookup: which actions a role may take, optionally scoped by sector and region, ordered by priority.",
	}
	ra.AddCommand(roleActionsListCmd())
	ra.AddCommand(roleActionsSetCmd())
	ra.AddCommand(roleActionsDeleteCmd())
	return ra
}

func roleActionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a role action by numeric id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteRoleAction(ctx, id)
			})
		},
	}
}

func roleActionsListCmd() *cobra.Command {
	var role, sector, region string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actions, err := r.RoleActions(ctx, role, sector, region)
				if err != nil {
					return err
				}
				return printJSONOrTable(actions)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&sector, "sector", "", "sector scope")
	cmd.Flags().StringVar(&region, "region", "", "region scope")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleActionsSetCmd() *cobra.Command {
	var a domain.RoleAction
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a role action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.Role == "" || a.Action == "" {
				return fmt.Errorf("--role and --action required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.UpsertRoleAction(ctx, tx, a); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&a.Role, "role", "", "role id")
	cmd.Flags().StringVar(&a.Action, "action", "", "action name")
	cmd.Flags().StringVar(&a.Sector, "sector", "", "sector scope (empty matches all)")
	cmd.Flags().StringVar(&a.Region, "region", "", "region scope (empty matches all)")
	cmd.Flags().IntVar(&a.Priority, "priority", 0, "ordering priority, higher first")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage engine config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show engine config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print a default YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(viper.GetString("org")))
			return nil
		},
	})
	return cfg
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import engine config from YAML into the DB",
		Long:  "Reads --file, or the workspace steward.yml when --file is omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			orgID := cfg.Org.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if orgID == "" {
					orgID = e.Config.Org.ID
				}
				if err := e.Repo.UpsertEngineConfig(ctx, orgID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace steward.yml)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	ak.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret, key, err := repo.NewAPIKey(userID, name)
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"user_id": key.UserID,
					"name":    key.Name,
					"key":     secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "key owner (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: assignment decisions, SLA transitions, optimizer runs.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Org.ID, evtType, entityKind, entityID)
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
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background jobs",
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
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), viper.GetString("org"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STEWARD_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noScheduler {
				go (&scheduler.Scheduler{Engine: e}).Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Steward API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable background optimizer and SLA jobs")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
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
	_, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), r)
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
