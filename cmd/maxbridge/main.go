// maxbridge relays MAX messenger messages to Telegram, Discord and Slack.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sipeed/maxbridge/pkg/channels"
	"github.com/sipeed/maxbridge/pkg/config"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/max"
	"github.com/sipeed/maxbridge/pkg/relay"
	"github.com/sipeed/maxbridge/pkg/utils"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		logger.InfoC("main", "No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.ErrorCF("main", "Failed to load configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	level, ok := logger.ParseLevel(cfg.Log.Level)
	if !ok {
		level = logger.INFO
		logger.WarnCF("main", "Unknown log level, using info", map[string]any{"level": cfg.Log.Level})
	}
	logger.Configure(os.Stderr, level, cfg.Log.Format)

	if len(cfg.Max.AllowedChatIDs) == 0 {
		logger.WarnC("main", "MAX_ALLOWED_CHAT_IDS is empty, messages from every group will be relayed")
	}

	if err := run(cfg); err != nil {
		logger.ErrorCF("main", "Bridge stopped with error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := channels.NewManager(cfg)
	if err != nil {
		return err
	}
	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	downloader := utils.NewDownloader(utils.DownloadOptions{
		MaxBytes:     cfg.Relay.MaxFileSize,
		Timeout:      cfg.Relay.DownloadTimeout,
		UserAgent:    cfg.Max.UserAgent,
		LoggerPrefix: "relay",
	})
	forwarder := relay.NewForwarder(manager, downloader, cfg.Relay.AlbumLimit)
	router := relay.NewRouter(relay.Options{AllowedChats: cfg.AllowedChats()}, relay.NewContactCache(), forwarder, manager)
	supervisor := max.NewSupervisor(supervisorOptions(cfg), router)

	logger.InfoCF("main", "Bridge started", map[string]any{
		"uri":           cfg.Max.URI,
		"device_id":     cfg.Max.DeviceID,
		"allowed_chats": len(cfg.Max.AllowedChatIDs),
		"channels":      manager.GetEnabledChannels(),
	})

	runErr := supervisor.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.InfoCF("main", "Shutting down", map[string]any{"pending_tasks": router.Tasks().Active()})
	router.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, manager.StopAll(stopCtx))
}

func supervisorOptions(cfg *config.Config) max.Options {
	return max.Options{
		URL:    cfg.Max.URI,
		Origin: cfg.Max.Origin,
		UserAgent: max.UserAgent{
			DeviceType:      "WEB",
			Locale:          cfg.Max.Locale,
			DeviceLocale:    cfg.Max.Locale,
			DeviceName:      cfg.Max.DeviceName,
			HeaderUserAgent: cfg.Max.UserAgent,
			AppVersion:      cfg.Max.AppVersion,
			Timezone:        cfg.Max.Timezone,
		},
		DeviceID:         cfg.Max.DeviceID,
		Token:            cfg.Max.Token,
		ChatsCount:       cfg.Max.ChatsCount,
		ReconnectDelay:   cfg.Max.ReconnectDelay,
		RequestTimeout:   cfg.Max.RequestTimeout,
		HandshakeTimeout: cfg.Max.HandshakeTimeout,
		PingInterval:     cfg.Max.PingInterval,
	}
}
