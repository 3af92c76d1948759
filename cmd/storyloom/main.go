package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/logger"
	"github.com/storyloom/storyloom/internal/lore"
	"github.com/storyloom/storyloom/internal/pipeline"
	"github.com/storyloom/storyloom/internal/provider"
	"github.com/storyloom/storyloom/internal/retrieval"
	"github.com/storyloom/storyloom/internal/session"
	"github.com/storyloom/storyloom/internal/workflow"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyloom",
		Short: "Workflow-driven long-form fiction assistant",
		Long:  "Storyloom runs drafting, brainstorming and continuity pipelines over a canon knowledge base.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file path")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPipelinesCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newLoreCommand())
	rootCmd.AddCommand(newIndexCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(settings.LogLevel)
	if err := os.MkdirAll(settings.Stores.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return settings, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			pipe, err := pipeline.NewRegistry().Get(args[0])
			if err != nil {
				return err
			}

			state, err := initialState(cmd)
			if err != nil {
				return err
			}

			wc, store, closeStores, err := buildContext(cmd, settings)
			if err != nil {
				return err
			}
			defer closeStores()

			if scopeName, _ := cmd.Flags().GetString("scope"); scopeName != "" {
				scope, err := store.FindScope(cmd.Context(), scopeName)
				if err != nil {
					return fmt.Errorf("unknown scope %q: %w", scopeName, err)
				}
				state[pipeline.KeyScopeID] = scope.ID
			}

			sessions, err := session.NewManager(settings.Stores.DataDir)
			if err != nil {
				return err
			}
			release, err := sessions.Acquire()
			if err != nil {
				return err
			}
			defer release()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := pipelineOptions(cmd, settings)
			graph := pipe.Build(opts)
			if maxIter, _ := cmd.Flags().GetInt("max-iterations"); maxIter > 0 {
				graph.MaxIterations = maxIter
			} else if settings.Pipeline.MaxIterations > 0 {
				graph.MaxIterations = settings.Pipeline.MaxIterations
			}

			rec := sessions.Begin(pipe.ID)
			fmt.Printf("Running %s (%s)\n", pipe.Name, rec.ID)

			result := workflow.NewExecutor(graph).Run(ctx, wc, state)

			rec.Status = string(result.Status)
			rec.NodesVisited = result.NodesVisited
			rec.Err = result.Err
			rec.Result = result.FinalState.String(pipeline.KeyResult)
			if err := sessions.Finish(rec); err != nil {
				log.Warn().Err(err).Msg("failed to save run record")
			}

			switch result.Status {
			case workflow.StatusCompleted:
				fmt.Println(result.FinalState.String(pipeline.KeyResult))
				return nil
			case workflow.StatusCancelled:
				fmt.Fprintln(os.Stderr, "cancelled")
				return nil
			default:
				return fmt.Errorf("run failed: %s", result.Err)
			}
		},
	}

	cmd.Flags().StringP("premise", "p", "", "Premise to write from")
	cmd.Flags().String("scene", "", "File with existing scene text")
	cmd.Flags().String("scope", "", "Canon scope name the run operates in")
	cmd.Flags().String("seed", "", "YAML file with initial state")
	cmd.Flags().Bool("approve", false, "Stop at breakpoints for interactive review")
	cmd.Flags().String("model", "", "Override the configured model")
	cmd.Flags().Int("max-iterations", 0, "Override the node-visit bound")
	return cmd
}

// initialState assembles the run's starting state from flags.
func initialState(cmd *cobra.Command) (workflow.State, error) {
	state := workflow.State{}

	if seedPath, _ := cmd.Flags().GetString("seed"); seedPath != "" {
		data, err := os.ReadFile(seedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed file: %w", err)
		}
		var seed map[string]any
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("invalid seed file: %w", err)
		}
		for k, v := range seed {
			state[k] = v
		}
	}

	if premise, _ := cmd.Flags().GetString("premise"); premise != "" {
		state[pipeline.KeyPremise] = premise
	}
	if scenePath, _ := cmd.Flags().GetString("scene"); scenePath != "" {
		data, err := os.ReadFile(scenePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read scene file: %w", err)
		}
		state[pipeline.KeySceneText] = string(data)
	}
	return state, nil
}

// buildContext wires the provider, lore store and retrieval index into a
// workflow context. The returned func closes the stores.
func buildContext(cmd *cobra.Command, settings *config.Settings) (*workflow.Context, *lore.Store, func(), error) {
	gen, err := provider.New(provider.Config{
		Provider: settings.Provider.Name,
		APIKey:   settings.Provider.KeyFor(settings.Provider.Name),
		Model:    settings.Provider.Model,
		BaseURL:  settings.Provider.BaseURL,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := lore.Open(settings.Stores.LoreDBPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open lore store: %w", err)
	}

	searcher, err := openSearcher(settings)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	wc := &workflow.Context{
		Generator: gen,
		Lore:      store.Reader(),
		Retriever: searcher,
		OnProgress: func(nodeID string, state workflow.State) {
			log.Info().Str("node", nodeID).Msg("step complete")
		},
	}

	if approve, _ := cmd.Flags().GetBool("approve"); approve {
		wc.OnBreakpoint = interactiveBreakpoint
	}

	return wc, store, func() { store.Close() }, nil
}

// interactiveBreakpoint shows the paused state and lets the user accept it or
// replace a field before the run resumes.
func interactiveBreakpoint(ctx context.Context, nodeID string, state workflow.State) (workflow.State, error) {
	fmt.Printf("\n--- paused at %s ---\n", nodeID)
	for _, key := range []string{"report", "draft", pipeline.KeySceneText} {
		if v := state.String(key); v != "" {
			fmt.Printf("%s:\n%s\n\n", key, v)
		}
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("continue, abort, or set <key> <value>? [c/a/set] ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return state, nil
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "c", "continue", "":
			return state, nil
		case "a", "abort":
			return nil, fmt.Errorf("aborted at %s", nodeID)
		case "set":
			if len(fields) < 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			state = state.Clone()
			state[fields[1]] = strings.Join(fields[2:], " ")
		default:
			fmt.Println("unknown choice")
		}
	}
}

func pipelineOptions(cmd *cobra.Command, settings *config.Settings) pipeline.Options {
	opts := pipeline.Options{
		Model:         settings.Provider.Model,
		MaxTokens:     settings.Pipeline.MaxTokens,
		Temperature:   settings.Pipeline.Temperature,
		MaxRevisions:  settings.Pipeline.MaxRevisions,
		BeatTarget:    settings.Pipeline.BeatTarget,
		ContextBudget: settings.Pipeline.ContextBudget,
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		opts.Model = model
	}
	return opts
}

func newPipelinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List available pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range pipeline.NewRegistry().List() {
				fmt.Printf("%-18s %s\n", p.ID, p.Description)
			}
			return nil
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List past runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			sessions, err := session.NewManager(settings.Stores.DataDir)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			records, err := sessions.List(limit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%s  %-18s %-10s %s\n",
					rec.StartedAt.Format("2006-01-02 15:04"), rec.Pipeline, rec.Status, rec.ID)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum records to show")
	return cmd
}

func newLoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lore",
		Short: "Manage the canon knowledge base",
	}
	cmd.AddCommand(newLoreScopeCommand())
	cmd.AddCommand(newLoreAddCommand())
	cmd.AddCommand(newLoreFindCommand())
	cmd.AddCommand(newLoreLinkCommand())
	return cmd
}

func openLore(settings *config.Settings) (*lore.Store, error) {
	store, err := lore.Open(settings.Stores.LoreDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open lore store: %w", err)
	}
	return store, nil
}

func newLoreScopeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope <name>",
		Short: "Create a canon scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openLore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			parent, _ := cmd.Flags().GetString("parent")
			kind, _ := cmd.Flags().GetString("kind")
			if parent != "" {
				p, err := store.FindScope(cmd.Context(), parent)
				if err != nil {
					return fmt.Errorf("unknown parent scope %q: %w", parent, err)
				}
				parent = p.ID
			}

			scope, err := store.CreateScope(cmd.Context(), parent, args[0], kind)
			if err != nil {
				return err
			}
			fmt.Printf("Created scope %s (%s)\n", scope.Name, scope.ID)
			return nil
		},
	}
	cmd.Flags().String("parent", "", "Parent scope name")
	cmd.Flags().String("kind", "world", "Scope kind (world, season, episode, scene)")
	return cmd
}

func newLoreAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <kind> <name> <content>",
		Short: "Add a canon entity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openLore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			scopeName, _ := cmd.Flags().GetString("scope")
			scope, err := store.FindScope(cmd.Context(), scopeName)
			if err != nil {
				return fmt.Errorf("unknown scope %q: %w", scopeName, err)
			}

			tags, _ := cmd.Flags().GetStringSlice("tags")
			entity, err := store.CreateEntity(cmd.Context(), scope.ID, args[0], args[1], args[2], tags)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s %q (%s)\n", entity.Kind, entity.Name, entity.ID)
			return nil
		},
	}
	cmd.Flags().String("scope", "", "Scope name the entity belongs to")
	cmd.Flags().StringSlice("tags", nil, "Entity tags")
	cmd.MarkFlagRequired("scope")
	return cmd
}

func newLoreFindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <query>",
		Short: "Full-text search over canon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openLore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			entities, err := store.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range entities {
				fmt.Printf("[%s] %s: %s\n", e.Kind, e.Name, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "Maximum results")
	return cmd
}

func newLoreLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "link <from-id> <to-id> <relation>",
		Short: "Link two canon entities",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openLore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Link(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Println("Linked.")
			return nil
		},
	}
}

func openSearcher(settings *config.Settings) (*retrieval.Searcher, error) {
	vectors, err := retrieval.NewLocalStore(settings.Stores.IndexFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	keywords := retrieval.NewKeywordIndex()
	keywords.Add(vectors.Documents())

	embProvider := settings.Provider.EmbeddingProvider
	if embProvider == "" {
		embProvider = settings.Provider.Name
	}
	embedder, err := provider.New(provider.Config{
		Provider: embProvider,
		APIKey:   settings.Provider.KeyFor(embProvider),
		Model:    settings.Provider.EmbeddingModel,
		BaseURL:  settings.Provider.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	return retrieval.NewSearcher(vectors, keywords, embedder)
}

func newIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the reference-material index",
	}
	cmd.AddCommand(newIndexAddCommand())
	cmd.AddCommand(newIndexSearchCommand())
	return cmd
}

func newIndexAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>...",
		Short: "Index prose files as reference material",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			searcher, err := openSearcher(settings)
			if err != nil {
				return err
			}

			var docs []retrieval.Document
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				docs = append(docs, retrieval.Document{
					ID:      filepath.Base(path),
					Source:  path,
					Content: string(data),
				})
			}

			if err := searcher.Index(cmd.Context(), docs); err != nil {
				return err
			}
			fmt.Printf("Indexed %d documents.\n", len(docs))
			return nil
		},
	}
}

func newIndexSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the reference-material index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			searcher, err := openSearcher(settings)
			if err != nil {
				return err
			}

			limit, _ := cmd.Flags().GetInt("limit")
			snippets, err := searcher.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, s := range snippets {
				fmt.Printf("%.4f  %s\n", s.Score, s.ID)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 5, "Maximum results")
	return cmd
}
