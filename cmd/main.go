package main

import (
	"campus-vending/internal/api"
	"campus-vending/internal/config"
	"campus-vending/internal/db"
	"campus-vending/internal/logger"
	"campus-vending/internal/middleware"
	"campus-vending/internal/service"
	"campus-vending/pkg"
	"fmt"
	"log"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(zapLogger)
	appLogger := pkg.NewZapLogger(zapLogger)

	dbConn, err := db.Connect(cfg)
	if err != nil {
		appLogger.Error("Failed to connect to database", zap.Error(err))
		return
	}
	defer dbConn.Close()

	if err := db.Migrate(dbConn); err != nil {
		appLogger.Error("Failed to apply migrations", zap.Error(err))
		return
	}

	vendingDB := db.NewVendingDB(dbConn)
	accountDB := db.NewAccountDB(dbConn)

	sessionService := service.NewSessionService(accountDB, appLogger, cfg.JWTSecret, cfg.SessionTTL, cfg.Campuses)
	vendingService := service.NewVendingService(vendingDB, appLogger)

	e := echo.New()
	e.HideBanner = true
	e.Validator = api.NewValidator()
	e.Use(logger.EchoLogger(zapLogger))
	e.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret, appLogger, api.PublicPaths...))

	handlers := &api.Handlers{
		SessionService: sessionService,
		VendingService: vendingService,
		Logger:         appLogger,
	}

	api.RegisterHandlers(e, handlers)

	port := fmt.Sprintf(":%s", cfg.ServerPort)
	appLogger.Info("Starting server",
		zap.String("port", cfg.ServerPort),
		zap.Strings("campuses", cfg.Campuses))
	if err := e.Start(port); err != nil {
		appLogger.Error("Failed to run server", zap.Error(err))
	}
}
