package main

import (
	"log"

	"github.com/seqlab/helix/internal/api"
	"github.com/seqlab/helix/internal/config"
	"github.com/seqlab/helix/internal/engine"
	"github.com/seqlab/helix/internal/executor"
	"github.com/seqlab/helix/internal/registry"
	"github.com/seqlab/helix/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := cfg.NewLogger()

	logger.Info("helix: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"model_dirs", cfg.ModelDirs,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg, err := registry.Open(logger, cfg.ModelDirs)
	if err != nil {
		log.Fatalf("failed to open model registry: %v", err)
	}
	logger.Info("model registry scanned", "root", reg.Root(), "models", reg.Len())

	loader := executor.NewLoader(cfg.Interpreter, logger)
	exec := executor.New(reg, loader, logger)
	eng := engine.New(db, exec, cfg.Timeout, logger)

	srv := api.NewServer(cfg.ListenAddr, db, reg, exec, eng,
		cfg.UploadsDir, cfg.ResultsDir, cfg.Timeout, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
