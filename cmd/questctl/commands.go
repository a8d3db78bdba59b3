package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ashureev/agentquest/internal/achievement"
	"github.com/ashureev/agentquest/internal/config"
	"github.com/ashureev/agentquest/internal/grpchealth"
	"github.com/ashureev/agentquest/internal/runner"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/spf13/cobra"
)

const defaultDBPath = "./data/agentquest.db"

type cli struct {
	out    io.Writer
	dbPath string
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "questctl",
		Short:         "questctl - AgentQuest administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	dbDefault := os.Getenv("DB_PATH")
	if dbDefault == "" {
		dbDefault = defaultDBPath
	}
	root.PersistentFlags().StringVar(&c.dbPath, "db", dbDefault, "SQLite database path")

	root.AddCommand(c.agentsCmd(), c.catalogCmd(), c.achievementsCmd(), c.healthCmd())
	return root
}

// withStore opens the database for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(*store.SQLiteStore) error) error {
	repo, err := store.NewSQLite(c.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(repo)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage the agent directory",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(repo *store.SQLiteStore) error {
				agents, err := repo.ListAgents(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AGENT_ID\tNAME\tMODEL\tACHIEVEMENTS")
				for _, a := range agents {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", a.AgentID, a.Name, a.Model, len(a.Catalog))
				}
				return tw.Flush()
			})
		},
	}

	var overwrite bool
	importCmd := &cobra.Command{
		Use:   "import <seed.yaml>",
		Short: "Register agents from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := store.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(repo *store.SQLiteStore) error {
				n, err := store.SeedAgents(cmd.Context(), repo, profiles, overwrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Imported %d of %d agents\n", n, len(profiles))
				return nil
			})
		},
	}
	importCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace agents that already exist")

	cmd.AddCommand(list, importCmd)
	return cmd
}

func (c *cli) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and generate achievement catalogs",
	}

	show := &cobra.Command{
		Use:   "show <agent_id>",
		Short: "Print an agent's achievement catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(repo *store.SQLiteStore) error {
				agent, err := repo.GetAgent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.printJSON(agent.Catalog)
			})
		},
	}

	var attach bool
	generate := &cobra.Command{
		Use:   "generate <agent_id>",
		Short: "Run the generation loop for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			models, err := runner.NewProviderRouter(cmd.Context(), runner.ProviderKeys{
				OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
				OpenAIBaseURL:   cfg.Providers.OpenAIBaseURL,
				AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
				GeminiAPIKey:    cfg.Providers.GeminiAPIKey,
			})
			if err != nil {
				return err
			}
			if models.Empty() {
				return fmt.Errorf("no model provider configured")
			}
			return c.withStore(cmd.Context(), func(repo *store.SQLiteStore) error {
				gen := achievement.NewGenerator(repo, models, achievement.GeneratorConfig(cfg.Generation), nil)
				return c.generate(cmd.Context(), repo, gen, args[0], attach)
			})
		},
	}
	generate.Flags().BoolVar(&attach, "attach", false, "append the generated catalog to the agent")

	cmd.AddCommand(show, generate)
	return cmd
}

type catalogGenerator interface {
	GenerateCatalog(ctx context.Context, agentID string) (*achievement.GenerationResult, error)
}

func (c *cli) generate(ctx context.Context, repo store.AgentDirectory, gen catalogGenerator, agentID string, attach bool) error {
	result, err := gen.GenerateCatalog(ctx, agentID)
	if err != nil {
		return err
	}
	if attach {
		res, err := repo.AppendAchievements(ctx, agentID, result.Catalog)
		if err != nil {
			return fmt.Errorf("attach catalog: %w", err)
		}
		fmt.Fprintf(c.out, "Attached %d achievements (%d dropped)\n", res.Added, res.Dropped)
	}
	return c.printJSON(result)
}

func (c *cli) achievementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "achievements",
		Short: "Inspect granted achievements",
	}

	var userID, agentID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List achievements granted to a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(repo *store.SQLiteStore) error {
				engine := achievement.NewEngine(repo, repo, nil, nil, achievement.EngineConfig{}, nil)
				granted, err := engine.ListGranted(cmd.Context(), userID, agentID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AGENT_ID\tACHIEVEMENT\tRARITY\tGRANTED_AT")
				for _, g := range granted {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.AgentID, g.Definition.Name, g.Definition.Rarity, g.GrantedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&userID, "user", "", "user id (required)")
	list.Flags().StringVar(&agentID, "agent", "", "limit to one agent")
	_ = list.MarkFlagRequired("user")

	cmd.AddCommand(list)
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	var addr, service string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the gRPC health endpoint of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := grpchealth.Check(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, status.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "gRPC health address")
	cmd.Flags().StringVar(&service, "service", grpchealth.ServiceName, "service name to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
