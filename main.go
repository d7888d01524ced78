// relaybot/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"relaybot/config"
	"relaybot/database"
	"relaybot/handlers"
	"relaybot/models"
	"relaybot/telegram"
	"relaybot/utils"

	"github.com/go-redis/redis/v8"
)

type Application struct {
	db          *database.DatabaseService
	problems    *models.ProblemStore
	tracker     *models.InviteLinkTracker
	chat        models.ChatClient
	flood       *models.FloodLimiter
	logger      *slog.Logger
	targetGroup int64
	staffGroup  int64
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService      { return a.db }
func (a *Application) Problems() *models.ProblemStore     { return a.problems }
func (a *Application) Tracker() *models.InviteLinkTracker { return a.tracker }
func (a *Application) Chat() models.ChatClient            { return a.chat }
func (a *Application) Flood() *models.FloodLimiter        { return a.flood }
func (a *Application) Logger() *slog.Logger               { return a.logger }
func (a *Application) TargetGroup() int64                 { return a.targetGroup }
func (a *Application) StaffGroup() int64                  { return a.staffGroup }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- External Configuration ---
	dbPath := utils.GetEnv("RELAY_DB_PATH", config.DefaultDBPath)
	redisAddr := utils.GetEnv("RELAY_REDIS_ADDR", config.DefaultRedisAddr)
	problemFile := utils.GetEnv("RELAY_PROBLEM_FILE", config.DefaultProblemFile)
	opsAddr := utils.GetEnv("RELAY_OPS_ADDR", config.DefaultOpsAddr)
	opsTokenHash := utils.GetEnv("RELAY_OPS_TOKEN_HASH", "")

	targetGroup, err := strconv.ParseInt(utils.GetEnv("RELAY_TARGET_GROUP", ""), 10, 64)
	if err != nil {
		logger.Error("RELAY_TARGET_GROUP must be a chat ID", "error", err)
		os.Exit(1)
	}
	staffGroup, err := strconv.ParseInt(utils.GetEnv("RELAY_STAFF_GROUP", ""), 10, 64)
	if err != nil {
		logger.Error("RELAY_STAFF_GROUP must be a chat ID", "error", err)
		os.Exit(1)
	}
	appID, err := strconv.ParseInt(utils.GetEnv("RELAY_API_ID", ""), 10, 32)
	if err != nil {
		logger.Error("RELAY_API_ID must be an integer", "error", err)
		os.Exit(1)
	}

	revokeTime, err := time.ParseDuration(utils.GetEnv("RELAY_REVOKE_TIME", config.DefaultRevokeTime))
	if err != nil {
		logger.Warn("Invalid RELAY_REVOKE_TIME duration, using default", "value", utils.GetEnv("RELAY_REVOKE_TIME", ""), "default", config.DefaultRevokeTime)
		revokeTime, _ = time.ParseDuration(config.DefaultRevokeTime)
	}
	floodEvery, err := time.ParseDuration(utils.GetEnv("RELAY_FLOOD_EVERY", config.DefaultFloodEvery))
	if err != nil {
		logger.Warn("Invalid RELAY_FLOOD_EVERY duration, using default", "value", utils.GetEnv("RELAY_FLOOD_EVERY", ""), "default", config.DefaultFloodEvery)
		floodEvery, _ = time.ParseDuration(config.DefaultFloodEvery)
	}
	floodBurst, err := strconv.Atoi(utils.GetEnv("RELAY_FLOOD_BURST", strconv.Itoa(config.DefaultFloodBurst)))
	if err != nil {
		logger.Warn("Invalid RELAY_FLOOD_BURST integer, using default", "value", utils.GetEnv("RELAY_FLOOD_BURST", ""), "default", config.DefaultFloodBurst)
		floodBurst = config.DefaultFloodBurst
	}
	floodPrune, _ := time.ParseDuration(config.DefaultFloodPrune)
	floodExpire, _ := time.ParseDuration(config.DefaultFloodExpire)

	dbService, err := database.InitDB(dbPath, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbService.DB.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close redis client", "error", err)
		}
	}()
	kv := models.NewRedisStore(redisClient)

	ctx := context.Background()
	problems, err := models.LoadProblemSet(ctx, problemFile, kv, logger)
	if err != nil {
		logger.Error("Failed to load problem set", "path", problemFile, "error", err)
		os.Exit(1)
	}

	chat, err := telegram.New(telegram.Config{
		AppID:    int32(appID),
		AppHash:  utils.GetEnv("RELAY_API_HASH", ""),
		BotToken: utils.GetEnv("RELAY_BOT_TOKEN", ""),
	})
	if err != nil {
		logger.Error("Failed to start telegram client", "error", err)
		os.Exit(1)
	}

	tracker := models.NewInviteLinkTracker(chat, problems, targetGroup, revokeTime, logger)

	app := &Application{
		db:          dbService,
		problems:    problems,
		tracker:     tracker,
		chat:        chat,
		flood:       models.NewFloodLimiter(floodEvery, floodBurst, floodPrune, floodExpire),
		logger:      logger,
		targetGroup: targetGroup,
		staffGroup:  staffGroup,
	}

	verify := handlers.NewVerifyService(app)
	chat.OnPrivateMessage(verify.HandlePrivateMessage)
	chat.OnCallback(verify.ClickToJoin)

	tracker.Start()

	// --- Ops Server ---
	server := &http.Server{Addr: opsAddr, Handler: handlers.SetupRouter(app, opsTokenHash)}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops server failed unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("relaybot started successfully",
		"version", config.AppVersion,
		"target_group", targetGroup,
		"ops_address", opsAddr,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server forced to shutdown", "error", err)
	}

	tracker.Stop()
	if !tracker.Join(5 * time.Second) {
		logger.Warn("Invite tracker did not stop in time")
	}

	if err := problems.Close(context.Background()); err != nil {
		logger.Error("Failed to clear problem cache", "error", err)
	}
	if err := chat.Stop(); err != nil {
		logger.Error("Failed to stop telegram client", "error", err)
	}

	logger.Info("Shutdown complete")
}
