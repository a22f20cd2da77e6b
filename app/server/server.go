package server

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"opskb/app/agent"
	"opskb/app/api"
	"opskb/config"
	"opskb/index"
	"opskb/ingest"
	"opskb/model"
	"opskb/parser"
	"opskb/qa"
	"opskb/splitter"
	"opskb/store"
)

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	app *fiber.App
	db  *store.PostgresStore
}

func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
}

func (s *Server) Run() error {
	ctx := context.Background()

	db, err := store.NewPostgresStore(ctx, s.cfg.Postgres.ConnString())
	if err != nil {
		return err
	}
	s.db = db

	if err := db.Init(ctx); err != nil {
		return err
	}

	retriever, err := index.NewRetriever(ctx, db.Pool(), s.cfg.Embedder.Dimension, s.cfg.Retrieve)
	if err != nil {
		return err
	}

	embedder, err := model.NewEmbedder(s.cfg.Embedder)
	if err != nil {
		return err
	}

	var reranker model.Reranker
	if s.cfg.Rerank.Enabled {
		if reranker, err = model.NewReranker(s.cfg.Rerank); err != nil {
			return err
		}
	}

	generator, err := agent.NewGenerator(s.cfg.LLM)
	if err != nil {
		return err
	}

	var splitOpts []splitter.Option
	if s.cfg.Splitter.ByTokens {
		length, atoms, err := splitter.TokenUnit()
		if err != nil {
			return err
		}
		splitOpts = append(splitOpts, splitter.WithLengthUnit(length, atoms))
	}
	split, err := splitter.New(s.cfg.Splitter.ChunkSize, s.cfg.Splitter.ChunkOverlap, splitOpts...)
	if err != nil {
		return err
	}

	processor := ingest.NewProcessor(db, retriever, embedder,
		parser.New(s.cfg.Parser), split, splitter.NewMarkdown(split), s.cfg.Storage.DocumentDir)

	qaService, err := qa.New(s.cfg.QA, embedder, retriever, reranker, generator)
	if err != nil {
		return err
	}

	var (
		app = fiber.New(fiber.Config{
			ErrorHandler: api.ErrorHandler,
			BodyLimit:    64 * 1024 * 1024, // uploaded documents
		})
		checkHandler = api.NewCheckHandler()
		kbHandler    = api.NewKBHandler(db, retriever, processor, s.cfg.Storage.DocumentDir)
		queryHandler = api.NewQueryHandler(embedder, retriever, qaService, s.cfg.Retrieve)

		check = app.Group("/check")
		apiv1 = app.Group("/api/v1")
	)
	s.app = app

	check.Get("/healthy", checkHandler.HandleHealthy)

	apiv1.Post("/kb", kbHandler.HandleCreateKB)
	apiv1.Get("/kb", kbHandler.HandleListKBs)
	apiv1.Get("/kb/:id", kbHandler.HandleGetKB)
	apiv1.Delete("/kb/:id", kbHandler.HandleDeleteKB)

	apiv1.Post("/kb/:id/documents", kbHandler.HandleUploadDocument)
	apiv1.Get("/kb/:id/documents", kbHandler.HandleListDocuments)
	apiv1.Get("/kb/:id/documents/:docID", kbHandler.HandleGetDocument)
	apiv1.Delete("/kb/:id/documents/:docID", kbHandler.HandleDeleteDocument)
	apiv1.Post("/kb/:id/documents/:docID/reprocess", kbHandler.HandleReprocessDocument)
	apiv1.Get("/kb/:id/documents/:docID/chunks", kbHandler.HandleListChunks)

	apiv1.Post("/search", queryHandler.HandleSearch)
	apiv1.Post("/qa", queryHandler.HandleQA)

	s.logger.Info("server starting", "addr", s.cfg.Server.ListenAddr)
	return app.Listen(s.cfg.Server.ListenAddr)
}

func (s *Server) Stop() {
	if s.app != nil {
		if err := s.app.Shutdown(); err != nil {
			s.logger.Error("server shutdown failed", "error", err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	s.logger.Info("server stopped")
}
