package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/config"
	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/handlers"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/config.yml", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := model.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		logger.Fatal("Failed to initialize ONNX Runtime", zap.Error(err))
	}
	defer model.DestroyRuntime()

	labels, err := dataset.Classes(cfg.TrainDir())
	if err != nil {
		logger.Fatal("Failed to read label set", zap.Error(err))
	}
	logger.Info("Loaded classes", zap.Strings("classes", labels))

	classifier, meta, err := model.Open(model.Options{
		ModelPath:    cfg.Model.Path,
		MetadataPath: cfg.Model.Metadata,
		WeightsPath:  cfg.Model.Weights,
		Labels:       labels,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to load model", zap.Error(err))
	}
	defer classifier.Close()
	logger.Info("Model loaded", zap.String("model", cfg.Model.Path))

	handler := handlers.NewHandler(classifier, meta.PreprocessConfig(), logger)
	router := handlers.NewRouter(handler, cfg.Server.MaxMultipartMemory, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
