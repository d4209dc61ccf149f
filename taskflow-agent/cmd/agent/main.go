package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/config"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/graph"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/ingestion"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/logging"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Document retrieval and task agent",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format)
			return cfg.Validate()
		},
	}
	root.AddCommand(
		newServeCmd(&cfg),
		newIndexCmd(&cfg),
		newQueryCmd(&cfg),
		newAskCmd(&cfg),
	)
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := build(ctx, *cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.buildAgent(ctx); err != nil {
				return err
			}

			server := &http.Server{
				Addr:    ":" + cfg.Server.Port,
				Handler: a.server().Router(),
			}

			// Graceful shutdown
			go func() {
				log.Info().Str("port", cfg.Server.Port).Msg("agent API starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("server failed to start")
				}
			}()

			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			<-c

			log.Info().Msg("shutting down gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			log.Info().Msg("server exited")
			return nil
		},
	}
}

func newIndexCmd(cfg *config.Config) *cobra.Command {
	var (
		path        string
		driveFolder string
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Ingest local files and optionally a Google Drive folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := build(ctx, *cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Str("path", path).Msg("starting indexing")
			files, err := ingestion.LoadLocalFiles(path)
			if err != nil {
				return fmt.Errorf("loading files: %w", err)
			}
			var total, failed int
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					log.Warn().Err(err).Str("file", f).Msg("skip file")
					failed++
					continue
				}
				res, err := a.pipeline.Ingest(ctx, retrieval.Document{
					ID:       processing.DocumentID(f),
					Filename: filepath.Base(f),
					Source:   processing.SourceLocal,
					Data:     data,
				})
				if err != nil {
					log.Warn().Err(err).Str("file", f).Msg("skip file")
					failed++
					continue
				}
				total += res.ChunkCount
			}

			if driveFolder != "" {
				n, errs := indexDrive(ctx, a, cfg.Drive, driveFolder)
				total += n
				failed += errs
			}
			fmt.Printf("Indexing complete. %d chunks written, %d files skipped.\n", total, failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "./data", "path to folder to index")
	cmd.Flags().StringVar(&driveFolder, "gdrive-folder", "", "Google Drive folder id to index")
	return cmd
}

func indexDrive(ctx context.Context, a *app, cfg config.DriveConfig, folder string) (chunks, failed int) {
	src, err := ingestion.NewDriveSource(ctx, cfg.CredentialsFile, cfg.TokenFile)
	if err != nil {
		log.Error().Err(err).Msg("google drive unavailable")
		return 0, 1
	}
	files, err := src.List(ctx, folder)
	if err != nil {
		log.Error().Err(err).Msg("listing google drive folder")
		return 0, 1
	}
	for _, f := range files {
		name, data, err := src.Fetch(ctx, f)
		if err != nil {
			log.Warn().Err(err).Str("file", f.Name).Msg("skip drive file")
			failed++
			continue
		}
		res, err := a.pipeline.Ingest(ctx, retrieval.Document{
			ID:       processing.DocumentID("gdrive:" + f.ID),
			Filename: name,
			Source:   processing.SourceGDrive,
			Data:     data,
		})
		if err != nil {
			log.Warn().Err(err).Str("file", f.Name).Msg("skip drive file")
			failed++
			continue
		}
		chunks += res.ChunkCount
	}
	return chunks, failed
}

func newQueryCmd(cfg *config.Config) *cobra.Command {
	var (
		query  string
		topK   int
		rerank bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Retrieve passages for a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := build(ctx, *cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pipeline.Retrieve(ctx, retrieval.Query{Text: query, TopK: topK, Rerank: rerank})
			if err != nil {
				return err
			}
			if res.Warning != "" {
				fmt.Printf("warning: %s\n\n", res.Warning)
			}
			if len(res.Documents) == 0 {
				fmt.Println("No documents found matching the query.")
				return nil
			}
			for i, d := range res.Documents {
				name, _ := d.Metadata["filename"].(string)
				fmt.Printf("%d. [%.3f] %s\n%s\n\n", i+1, d.Score, name, d.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query text")
	cmd.Flags().IntVar(&topK, "top-k", 5, "number of passages")
	cmd.Flags().BoolVar(&rerank, "rerank", true, "rerank candidates")
	cmd.MarkFlagRequired("query")
	return cmd
}

func newAskCmd(cfg *config.Config) *cobra.Command {
	var (
		query         string
		maxIterations int
		stream        bool
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer a question with the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			a, err := build(ctx, *cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.buildAgent(ctx); err != nil {
				return err
			}
			req := graph.Request{Query: query, MaxIterations: maxIterations}

			if !stream {
				res := a.agent.Run(ctx, req)
				fmt.Println("\n===== ANSWER =====")
				fmt.Println(res.Answer)
				fmt.Printf("\n(status %s after %d iterations)\n", res.Status, res.Iterations)
				return res.Err
			}

			start := time.Now()
			for ev := range a.agent.Stream(ctx, req) {
				switch ev.Type {
				case graph.EventToken:
					fmt.Print(ev.Content)
				case graph.EventAction:
					log.Info().Str("action", string(ev.Step.Action)).Bool("failed", ev.Step.Failed).Msg("agent step")
				case graph.EventError:
					log.Warn().Err(ev.Err).Msg("agent run")
				case graph.EventDone:
					fmt.Printf("\n\n(status %s after %d iterations, %s)\n", ev.Result.Status, ev.Result.Iterations, time.Since(start).Round(time.Millisecond))
				}
			}
			return ctx.Err()
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "question")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 10, "iteration budget")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they are generated")
	cmd.MarkFlagRequired("query")
	return cmd
}
