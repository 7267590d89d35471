package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claudiohq/claudio/internal/config"
	"github.com/claudiohq/claudio/internal/history"
	"github.com/claudiohq/claudio/internal/memory"
	"github.com/claudiohq/claudio/internal/registry"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Cognitive memory commands",
	}

	var topK int
	var warmup bool

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the memory schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			if warmup {
				// Prime the embedder and re-embed rows invalidated by a
				// model change, so the first user message is not blocked.
				if engine.Warmup(context.Background()) {
					fmt.Println("Memory schema initialized (model ready)")
				} else {
					fmt.Println("Memory schema initialized (no embedding model)")
				}
				return nil
			}
			fmt.Println("Memory schema initialized")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&warmup, "warmup", false, "also prime the embedding model")

	retrieveCmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Retrieve memories for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Prefer the running daemon; fall back to a direct engine.
			svc := config.NewService(claudioPath)
			client := memory.NewClient(svc.MemorySocket())
			if result, err := client.Retrieve(args[0], topK); err == nil {
				if result != "" {
					fmt.Println(result)
				}
				return nil
			}

			engine, _, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := engine.Retrieve(context.Background(), args[0], topK, nil)
			if err != nil {
				return err
			}
			if formatted := memory.FormatResults(results); formatted != "" {
				fmt.Println(formatted)
			}
			return nil
		},
	}
	retrieveCmd.Flags().IntVar(&topK, "top-k", 5, "number of results")

	consolidateCmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Consolidate recent messages into memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := config.NewService(claudioPath)
			if err := memory.NewClient(svc.MemorySocket()).Consolidate(150); err == nil {
				return nil
			}

			engine, db, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			return engine.Consolidate(context.Background(), db)
		},
	}

	reconsolidateCmd := &cobra.Command{
		Use:   "reconsolidate",
		Short: "Run periodic memory maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := config.NewService(claudioPath)
			if err := memory.NewClient(svc.MemorySocket()).Reconsolidate(); err == nil {
				return nil
			}

			engine, _, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			return engine.Reconsolidate(context.Background())
		},
	}

	cmd.AddCommand(initCmd, retrieveCmd, consolidateCmd, reconsolidateCmd)
	return cmd
}

// openEngine builds a direct (daemon-less) memory engine on the primary
// bot's database.
func openEngine() (*memory.Engine, *history.DB, func(), error) {
	svc := config.NewService(claudioPath)
	if err := svc.Init(); err != nil {
		return nil, nil, nil, err
	}

	reg := registry.New(svc)
	if err := reg.Reload(); err != nil {
		return nil, nil, nil, err
	}

	dbFile := svc.ClaudioPath + "/history.db"
	if bots := svc.ListBots(); len(bots) > 0 {
		if cfg, ok := reg.Get(bots[0]); ok {
			dbFile = cfg.DBFile
		}
	}

	store, err := memory.OpenStore(dbFile, svc.EmbeddingModel())
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := history.Open(dbFile)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	var embedder memory.Embedder
	if endpoint := svc.Env["MEMORY_EMBEDDING_ENDPOINT"]; endpoint != "" {
		embedder = memory.NewHTTPEmbedder(endpoint, svc.EmbeddingModel())
	}
	engine := memory.NewEngine(store, embedder, &memory.CLIModel{ModelName: svc.ConsolidationModel()})

	cleanup := func() {
		db.Close()
		store.Close()
	}
	return engine, db, cleanup, nil
}
