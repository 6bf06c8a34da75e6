package main

import (
	"bufio"
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

	"trackpilot/internal/analytics"
	"trackpilot/internal/app"
	"trackpilot/internal/config"
	"trackpilot/internal/db"
	"trackpilot/internal/domain"
	"trackpilot/internal/events"
	"trackpilot/internal/server"
	"trackpilot/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Trackpilot CLI",
	Long: `Trackpilot turns plain-language instructions into ticket-tracker operations.

- Workspace: the directory holding trackpilot.yml and the .trackpilot database.
- Sessions: 'tp ask' and 'tp chat' resolve instructions against a bounded
  conversation context; anything the resolver cannot pin down comes back as
  a clarifying question instead of a guess.
- Operations: a fixed catalog (create, edit, assign, move, search, epics);
  'tp ticket' and 'tp epic' call the same operations directly.
- Reports: 'tp report' aggregates the current snapshot into resolution,
  rollup and trend statistics.`,
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
	viper.SetEnvPrefix("TRACKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project key (scopes searches and reports)")
	rootCmd.PersistentFlags().String("session", "", "session id for ask/chat")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

func bootstrap() (*app.App, error) {
	return app.Bootstrap(viper.GetString("workspace"))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default trackpilot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [instruction]",
		Short: "Run one natural-language instruction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			session := a.Agent.Session(viper.GetString("session"))
			reply, err := session.Handle(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(reply)
			}
			fmt.Println(reply.Text)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive instruction session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			session := a.Agent.Session(viper.GetString("session"))
			fmt.Printf("session %s. Type an instruction, or 'exit'.\n", session.ID())
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					return nil
				}
				reply, err := session.Handle(cmd.Context(), line)
				if err != nil {
					return err
				}
				fmt.Println(reply.Text)
			}
		},
	}
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "Aggregated snapshot reports"}

	report.AddCommand(&cobra.Command{
		Use:   "overview",
		Short: "Totals, categories and resolution rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			ov, err := a.Agent.Overview(cmd.Context(), viper.GetString("project"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ov)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Total", "Active", "Resolved", "Pending", "Other", "Avg days", "Resolution rate"})
			tw.AppendRow(table.Row{ov.Total, ov.Active, ov.Resolved, ov.Pending, ov.Other,
				fmt.Sprintf("%.1f", ov.AvgResolutionDays), fmt.Sprintf("%.0f%%", ov.ResolutionRate*100)})
			fmt.Println(tw.Render())
			return nil
		},
	})

	for _, g := range []struct {
		use      string
		grouping analytics.Grouping
	}{
		{"assignees", analytics.GroupAssignee},
		{"projects", analytics.GroupProject},
		{"status", analytics.GroupStatus},
		{"priority", analytics.GroupPriority},
	} {
		grouping := g.grouping
		report.AddCommand(&cobra.Command{
			Use:   g.use,
			Short: fmt.Sprintf("Summary grouped by %s", grouping),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := bootstrap()
				if err != nil {
					return err
				}
				defer a.Close()
				summary, err := a.Agent.Report(cmd.Context(), viper.GetString("project"), grouping)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{capitalize(string(grouping)), "Count", "Resolved", "Rate", "Mean days", "Median days"})
				for _, grp := range summary.Groups {
					tw.AppendRow(table.Row{grp.Key, grp.Count, grp.ResolvedCount,
						fmt.Sprintf("%.0f%%", grp.ResolutionRate*100),
						fmt.Sprintf("%.1f", grp.MeanResolutionDays),
						fmt.Sprintf("%.1f", grp.MedianResolutionDays)})
				}
				fmt.Println(tw.Render())
				return nil
			},
		})
	}

	var interval, field string
	trends := &cobra.Command{
		Use:   "trends",
		Short: "Creation or resolution trend buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			trend, err := a.Agent.Trends(cmd.Context(), viper.GetString("project"),
				analytics.Interval(interval), analytics.TimeField(field))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(trend)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Bucket", "Count"})
			for _, b := range trend.Buckets {
				tw.AppendRow(table.Row{b.Start.Format("2006-01-02"), b.Count})
			}
			fmt.Println(tw.Render())
			fmt.Println("direction:", trend.Direction)
			return nil
		},
	}
	trends.Flags().StringVar(&interval, "interval", "week", "bucket interval: day, week, month")
	trends.Flags().StringVar(&field, "field", "created", "timestamp field: created, resolved")
	report.AddCommand(trends)

	return report
}

func ticketCmd() *cobra.Command {
	ticket := &cobra.Command{Use: "ticket", Short: "Direct ticket operations"}

	var description, ticketType, priority, assignee, epic string
	create := &cobra.Command{
		Use:   "create [summary]",
		Short: "Create a ticket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			project := viper.GetString("project")
			if project == "" {
				return fmt.Errorf("--project is required")
			}
			key, err := a.Tracker.CreateTicket(cmd.Context(), project, tracker.TicketFields{
				Summary:     strings.Join(args, " "),
				Description: description,
				Type:        ticketType,
				Priority:    priority,
				Assignee:    assignee,
				EpicKey:     epic,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", key, a.Tracker.TicketURL(key))
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "ticket description")
	create.Flags().StringVar(&ticketType, "type", "Task", "ticket type")
	create.Flags().StringVar(&priority, "priority", "Medium", "ticket priority")
	create.Flags().StringVar(&assignee, "assignee", "", "assignee name, email or account id")
	create.Flags().StringVar(&epic, "epic", "", "epic key to link")
	ticket.AddCommand(create)

	ticket.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Fetch one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.Tracker.GetTicket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rec)
			}
			printTickets([]domain.TicketRecord{rec})
			fmt.Println(a.Tracker.TicketURL(rec.Key))
			return nil
		},
	})

	var editSummary, editDescription, editPriority string
	edit := &cobra.Command{
		Use:   "edit [key]",
		Short: "Edit summary, description or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			err = a.Tracker.EditTicket(cmd.Context(), args[0], tracker.TicketFields{
				Summary:     editSummary,
				Description: editDescription,
				Priority:    editPriority,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", args[0], a.Tracker.TicketURL(args[0]))
			return nil
		},
	}
	edit.Flags().StringVar(&editSummary, "summary", "", "new summary")
	edit.Flags().StringVar(&editDescription, "description", "", "new description")
	edit.Flags().StringVar(&editPriority, "priority", "", "new priority")
	ticket.AddCommand(edit)

	ticket.AddCommand(&cobra.Command{
		Use:   "assign [key] [assignee]",
		Short: "Assign a ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Tracker.Assign(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", args[0], a.Tracker.TicketURL(args[0]))
			return nil
		},
	})

	ticket.AddCommand(&cobra.Command{
		Use:   "move [key] [status]",
		Short: "Move a ticket to a target status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			var ite *tracker.IllegalTransitionError
			err = a.Tracker.Transition(cmd.Context(), args[0], args[1])
			if errors.As(err, &ite) {
				return fmt.Errorf("%s; allowed: %s", ite.Error(), strings.Join(ite.Allowed, ", "))
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s (%s)\n", args[0], args[1], a.Tracker.TicketURL(args[0]))
			return nil
		},
	})

	ticket.AddCommand(&cobra.Command{
		Use:   "search [query]",
		Short: "Search tickets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.Tracker.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(records)
			}
			printTickets(records)
			return nil
		},
	})

	ticket.AddCommand(&cobra.Command{
		Use:   "link [key] [epic]",
		Short: "Link a ticket to an epic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Tracker.LinkToEpic(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("linked %s to %s\n", args[0], args[1])
			return nil
		},
	})

	return ticket
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Projects and users"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			projects, err := a.Tracker.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(projects)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Key", "Name", "Lead"})
			for _, p := range projects {
				tw.AppendRow(table.Row{p.Key, p.Name, p.Lead})
			}
			fmt.Println(tw.Render())
			return nil
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "users",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			users, err := a.Tracker.ListUsers(cmd.Context(), viper.GetString("project"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(users)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Account", "Name", "Email"})
			for _, u := range users {
				tw.AppendRow(table.Row{u.AccountID, u.DisplayName, u.Email})
			}
			fmt.Println(tw.Render())
			return nil
		},
	})
	return prj
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{Use: "epic", Short: "Epics"}

	var description, assignee string
	create := &cobra.Command{
		Use:   "create [summary]",
		Short: "Create an epic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			project := viper.GetString("project")
			if project == "" {
				return fmt.Errorf("--project is required")
			}
			key, err := a.Tracker.CreateEpic(cmd.Context(), project, strings.Join(args, " "), description, assignee)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", key, a.Tracker.TicketURL(key))
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "epic description")
	create.Flags().StringVar(&assignee, "assignee", "", "assignee name, email or account id")
	epic.AddCommand(create)

	epic.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			project := viper.GetString("project")
			if project == "" {
				return fmt.Errorf("--project is required")
			}
			epics, err := a.Tracker.ListEpics(cmd.Context(), project)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(epics)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Key", "Summary", "Status", "Assignee"})
			for _, e := range epics {
				tw.AppendRow(table.Row{e.Key, e.Summary, e.Status, e.Assignee})
			}
			fmt.Println(tw.Render())
			return nil
		},
	})

	return epic
}

func logCmd() *cobra.Command {
	logC := &cobra.Command{Use: "log", Short: "Audit event log"}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB == nil {
				return fmt.Errorf("log tail requires local tracker mode")
			}
			items, err := events.Recent(cmd.Context(), a.DB, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Ticket", "Session"})
			for _, evt := range items {
				tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.TicketKey, evt.SessionID})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	logC.AddCommand(tail)
	return logC
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}

	var name string
	create := &cobra.Command{
		Use:   "create [subject]",
		Short: "Mint an API key; the raw key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB == nil {
				return fmt.Errorf("apikey requires local tracker mode")
			}
			rec, raw, err := server.CreateAPIKey(cmd.Context(), a.DB, args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("id=%s subject=%s\nkey=%s\n", rec.ID, rec.Subject, raw)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)

	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB == nil {
				return fmt.Errorf("apikey requires local tracker mode")
			}
			items, err := server.ListAPIKeys(cmd.Context(), a.DB)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Created"})
			for _, k := range items {
				tw.AppendRow(table.Row{k.ID, k.Subject, k.Name, k.CreatedAt})
			}
			fmt.Println(tw.Render())
			return nil
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB == nil {
				return fmt.Errorf("apikey requires local tracker mode")
			}
			return server.DeleteAPIKey(cmd.Context(), a.DB, args[0])
		},
	})

	return keys
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the workspace with a demo project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			seeder, ok := a.Tracker.(interface{ Seed(context.Context) error })
			if !ok {
				return fmt.Errorf("seed requires local tracker mode")
			}
			if err := seeder.Seed(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("seeded DEMO project")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnon bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.DB == nil {
				return fmt.Errorf("serve requires local tracker mode")
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("TRACKPILOT_JWT_SECRET"),
				AllowAnon: allowAnon,
			}
			if authCfg.JWTSecret == "" && !allowAnon {
				return fmt.Errorf("TRACKPILOT_JWT_SECRET is required unless --allow-anon is set")
			}
			handler, err := server.New(server.Config{
				Agent:    a.Agent,
				Tracker:  a.Tracker,
				DB:       a.DB,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(a.DB, a.Config.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Trackpilot API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnon, "allow-anon", false, "serve without authentication")
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printTickets(records []domain.TicketRecord) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Key", "Summary", "Status", "Priority", "Assignee", "Created"})
	for _, rec := range records {
		tw.AppendRow(table.Row{rec.Key, rec.Summary, rec.Status, rec.Priority, rec.Assignee,
			rec.Created.Format("2006-01-02")})
	}
	fmt.Println(tw.Render())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
