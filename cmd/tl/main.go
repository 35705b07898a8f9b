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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/orchestrator"
	"taskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline orchestrates the lifecycle of hierarchical work items.
Core concepts:
- Workspace: your .taskline directory holding the local database; taskline.yml next to it configures upstreams and event streams.
- Epic: the big goal; owns stories and standalone tasks, registered with the Project service.
- Story: a slice of an epic with acceptance criteria; owns tasks and bugs.
- Task: a unit of work, optionally nested under another task and flagged blocking.
- Bug: a defect attached to a story or standing alone.
- Statuses: TODO -> IN_PROGRESS -> ON_HOLD -> COMPLETED; archiving is completing.
- Events: every change lands in a durable outbox and is delivered to the lifecycle and calendar streams, in order per issue. View with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	for _, kc := range kindCommands {
		rootCmd.AddCommand(issueCmd(kc))
	}
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(outboxCmd())
}

type kindCommand struct {
	kind  domain.Kind
	use   string
	short string
}

var kindCommands = []kindCommand{
	{domain.KindEpic, "epic", "Manage epics"},
	{domain.KindStory, "story", "Manage stories"},
	{domain.KindTask, "task", "Manage tasks"},
	{domain.KindBug, "bug", "Manage bugs"},
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s and %s\n", db.Path(workspace), path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and event dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := zap.NewProductionConfig()
			logCfg.DisableStacktrace = true
			log, err := logCfg.Build()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := app.Open(viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.Config.Server.Listen
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Orchestrator: a.Orchestrator,
				Outbox:       a.Outbox,
				BasePath:     basePath,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go a.Dispatcher.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func issueCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{Use: kc.use, Short: kc.short}
	cmd.AddCommand(issueCreateCmd(kc))
	cmd.AddCommand(issueListCmd(kc))
	cmd.AddCommand(issueShowCmd(kc))
	cmd.AddCommand(issueStatusCmd(kc))
	cmd.AddCommand(issueArchiveCmd(kc))
	cmd.AddCommand(issueAssignCmd(kc))
	cmd.AddCommand(issueUnassignCmd(kc))
	cmd.AddCommand(issueMembersCmd(kc))
	return cmd
}

func issueCreateCmd(kc kindCommand) *cobra.Command {
	var in orchestrator.CreateInput
	var deadline, criteria, epicID, storyID, parentTaskID string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a " + kc.use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Kind = kc.kind
			in.Title = strings.TrimSpace(args[0])
			in.Deadline = optionalString(deadline)
			in.AcceptanceCriteria = optionalString(criteria)
			in.EpicID = optionalString(epicID)
			in.StoryID = optionalString(storyID)
			in.ParentTaskID = optionalString(parentTaskID)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Orchestrator.Create(ctx, in)
				var pe *orchestrator.PartialError
				if errors.As(err, &pe) {
					fmt.Printf("warning: %s created but not registered upstream (%v)\n", kc.use, pe.Err)
					return printIssue(i)
				}
				if err != nil {
					return err
				}
				return printIssue(i)
			})
		},
	}
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.Creator, "creator", "", "creator member id")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC 3339)")
	cmd.Flags().StringVar((*string)(&in.Priority), "priority", "", "priority (LOW, MEDIUM, HIGH, CRITICAL)")
	_ = cmd.MarkFlagRequired("project")
	switch kc.kind {
	case domain.KindStory:
		cmd.Flags().StringVar(&epicID, "epic", "", "parent epic id")
		cmd.Flags().StringVar(&criteria, "criteria", "", "acceptance criteria")
	case domain.KindTask:
		cmd.Flags().StringVar(&epicID, "epic", "", "parent epic id")
		cmd.Flags().StringVar(&storyID, "story", "", "parent story id")
		cmd.Flags().StringVar(&parentTaskID, "parent-task", "", "parent task id")
		cmd.Flags().BoolVar(&in.IsBlocking, "blocking", false, "blocks parent task completion")
	case domain.KindBug:
		cmd.Flags().StringVar(&storyID, "story", "", "parent story id")
	}
	return cmd
}

func issueListCmd(kc kindCommand) *cobra.Command {
	var projectID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List " + kc.use + "s",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Orchestrator.List(ctx, kc.kind, projectID, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "%", "Assignees"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Title, i.Status, i.Priority, i.CompletionPercent, strings.Join(i.Assignees, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.Flags().BoolVar(&all, "all", false, "include archived")
	return cmd
}

func issueShowCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a " + kc.use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Orchestrator.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printIssue(i)
			})
		},
	}
	return cmd
}

func issueStatusCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set " + kc.use + " status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Orchestrator.UpdateStatus(ctx, args[0], domain.Status(strings.ToUpper(args[1])))
				if err != nil {
					return err
				}
				return printIssue(i)
			})
		},
	}
	return cmd
}

func issueArchiveCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a " + kc.use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Orchestrator.Archive(ctx, args[0])
				if err != nil {
					return err
				}
				return printIssue(i)
			})
		},
	}
	return cmd
}

func issueAssignCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <id> <member-id>",
		Short: "Assign a member to a " + kc.use,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Orchestrator.AssignMember(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printIssue(i)
			})
		},
	}
	return cmd
}

func issueUnassignCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassign <id> <member-id>",
		Short: "Unassign a member from a " + kc.use,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Orchestrator.UnassignMember(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printIssue(i)
			})
		},
	}
	return cmd
}

func issueMembersCmd(kc kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members <id>",
		Short: "List members assigned to a " + kc.use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				members, err := a.Orchestrator.GetAssignedMembers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every issue change: creations, status moves, assignments, archivals.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var after int64
	var n int
	var issueID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Outbox.After(ctx, after, n, issueID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Issue", "Seq", "Topic", "Delivered", "Created"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.IssueID, r.Seq, r.Topic, r.Delivered, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "cursor: only records with greater id")
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	cmd.Flags().StringVar(&issueID, "issue", "", "filter by issue id")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the event outbox",
	}
	cmd.AddCommand(outboxPendingCmd())
	cmd.AddCommand(outboxDrainCmd())
	return cmd
}

func outboxPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count undelivered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Outbox.PendingCount(ctx)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	}
	return cmd
}

func outboxDrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending events once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				delivered, err := a.Dispatcher.DispatchOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("delivered %d events\n", delivered)
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), zap.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printIssue(i domain.Issue) error {
	return printJSON(i)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
