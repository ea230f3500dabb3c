package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealline/internal/app"
	"dealline/internal/config"
	"dealline/internal/db"
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/extract"
	"dealline/internal/graph"
	"dealline/internal/ink"
	"dealline/internal/migrate"
	"dealline/internal/render"
	"dealline/internal/repo"
	"dealline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dealline CLI",
	Long: `Dealline tracks sales deals as structured buying processes.
- Workspace: the .dealline directory holding the database; settings live in the DB.
- Deal: one opportunity, holding a buying process and an append-only update history.
- Buying steps: the stages of the deal (Discovery, Demo, Security Review, ...) with
  dependencies, owners, and evidence.
- Actors: signatories approve, evaluators block on mandatory criteria, influencers advise.
- Updates: raw meeting notes go through the extraction provider and merge into the
  process; every accepted update is recorded verbatim in the history.
- Gating: a step is ready only when its mandatory criteria and dependencies are done;
  the deal is closed-won only when every step is.`,
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
	viper.SetEnvPrefix("DEALLINE")
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
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(diagramCmd())
	rootCmd.AddCommand(actorsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{Use: "deal", Short: "Manage deals"}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealDeleteCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDeal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Steps", "Updates", "Updated"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Name, d.Steps, d.Updates, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a deal and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteDeal(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func updateCmd() *cobra.Command {
	var text, filePath, extractedPath string
	cmd := &cobra.Command{
		Use:   "update <deal>",
		Short: "Apply a sales update to a deal",
		Long: `Reads the update text (--text, --file, or stdin), sends it through the
configured extraction provider, validates the merged process, and commits
it with a history entry. Blocking violations reject the update.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateOptions{
				DealName: args[0],
				ActorID:  viper.GetString("actor-id"),
			}
			switch {
			case extractedPath != "":
				data, err := os.ReadFile(extractedPath)
				if err != nil {
					return err
				}
				var doc domain.ProcessDocument
				if err := json.Unmarshal(data, &doc); err != nil {
					return fmt.Errorf("parse %s: %w", extractedPath, err)
				}
				opts.Doc = &doc
			case text != "":
				opts.RawText = text
			case filePath != "":
				data, err := os.ReadFile(filePath)
				if err != nil {
					return err
				}
				opts.RawText = string(data)
			default:
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				opts.RawText = strings.TrimSpace(string(data))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, res, err := e.ApplyUpdate(ctx, opts)
				if err != nil {
					if errors.Is(err, engine.ErrRejected) {
						for _, v := range res.Blocking() {
							fmt.Fprintf(os.Stderr, "blocking: %s\n", v.Message)
						}
					}
					return err
				}
				for _, v := range res.Warnings() {
					fmt.Fprintf(os.Stderr, "warning: %s\n", v.Message)
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "update text inline")
	cmd.Flags().StringVar(&filePath, "file", "", "read update text from file")
	cmd.Flags().StringVar(&extractedPath, "extracted-file", "", "pre-extracted process JSON (skips the provider)")
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <deal>",
		Short: "Print the deal summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"deal": d.Name, "summary": render.Summary(d)})
				}
				fmt.Println(render.Summary(d))
				return nil
			})
		},
	}
	return cmd
}

func diagramCmd() *cobra.Command {
	var pngPath string
	var showURL bool
	cmd := &cobra.Command{
		Use:   "diagram <deal>",
		Short: "Print the Mermaid dependency diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				spec := render.Diagram(d, graph.Build(d.Process.Steps))
				mermaid := spec.Mermaid()
				if mermaid == "" {
					return fmt.Errorf("deal %q has no steps to draw", d.Name)
				}
				cacheDir, err := db.EnsureWorkspace(workspace)
				if err != nil {
					return err
				}
				renderer := ink.New(cacheDir)
				if pngPath != "" {
					if err := renderer.RenderToFile(cmd.Context(), mermaid, pngPath); err != nil {
						return err
					}
					fmt.Printf("wrote %s\n", pngPath)
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deal": d.Name, "mermaid": mermaid, "spec": spec})
				}
				fmt.Println(mermaid)
				if showURL {
					fmt.Println(renderer.URL(mermaid))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "render PNG via mermaid.ink to this path")
	cmd.Flags().BoolVar(&showURL, "url", false, "print the mermaid.ink image URL")
	return cmd
}

func actorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actors <deal>",
		Short: "List actors across all steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				rows := render.ActorsTable(d)
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Role", "Name", "Title", "Sign-off", "Status", "Criteria"})
				for _, row := range rows {
					tw.AppendRow(table.Row{row.Step, row.Role, row.Name, row.Title, row.SignOff, row.Status, row.Criteria})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "history <deal>",
		Short: "Show the append-only update history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") || full {
					return printJSON(d.History)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Timestamp", "Text"})
				for _, u := range d.History {
					text := u.RawText
					if len(text) > 60 {
						text = text[:60] + "..."
					}
					tw.AppendRow(table.Row{u.ID, u.Timestamp, text})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print full entries as JSON")
	return cmd
}

func readinessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readiness <deal>",
		Short: "Show completion gating per step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Readiness(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Status", "Ready", "Done"})
				for _, s := range report.Steps {
					tw.AppendRow(table.Row{s.Name, s.Status, s.Ready, s.Done})
				}
				tw.Render()
				if report.ClosedWon {
					fmt.Println("Deal is CLOSED-WON: every step is complete.")
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var deal string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, deal, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&deal, "deal", "", "filter by deal name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace settings"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configTestCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show settings stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import settings from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSettings(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML settings")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a settings file without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			provider := cfg.Extraction.Provider
			if os.Getenv(extract.APIKeyEnv(provider)) == "" {
				fmt.Fprintf(os.Stderr, "note: %s is not set; extraction will fail until it is\n", extract.APIKeyEnv(provider))
			}
			fmt.Printf("ok: provider=%s model=%s\n", provider, cfg.Model())
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML settings")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test prompt through the configured extraction provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				provider := e.Config.Extraction.Provider
				key := os.Getenv(extract.APIKeyEnv(provider))
				if key == "" {
					return fmt.Errorf("%s is not set", extract.APIKeyEnv(provider))
				}
				ex, err := extract.NewHTTPExtractor(provider, e.Config.Model(), key)
				if err != nil {
					return err
				}
				if err := ex.TestConnection(ctx); err != nil {
					return fmt.Errorf("connection test failed: %w", err)
				}
				fmt.Printf("ok: provider=%s model=%s\n", provider, e.Config.Model())
				return nil
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
			session, err := app.Resolve(cmd.Context(), workspace, viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, session.Config)
			e.Extractor = newExtractor(session.Config)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DEALLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEALLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dealline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	session, err := app.Resolve(ctx, workspace, viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, session.Config)
	e.Extractor = newExtractor(session.Config)
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

// newExtractor wires the provider from settings; the key comes from the
// environment only. A missing key just leaves extraction unconfigured so
// read commands and --extracted-file keep working.
func newExtractor(cfg *config.Config) extract.Extractor {
	if cfg == nil {
		return nil
	}
	provider := cfg.Extraction.Provider
	key := os.Getenv(extract.APIKeyEnv(provider))
	if key == "" {
		return nil
	}
	ex, err := extract.NewHTTPExtractor(provider, cfg.Model(), key)
	if err != nil {
		return nil
	}
	return ex
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
