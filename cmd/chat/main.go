package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobarin/avatarcast/internal/config"
	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/pipeline"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/bobarin/avatarcast/internal/storage"
)

func main() {
	cfg := config.Load()
	if err := cfg.ValidateChat(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat := services.NewOpenAIService(cfg.OpenAIKey, cfg.ChatModel).NewSession(cfg.SystemPrompt)

	var ttsSvc services.TTSService
	if cfg.SpeechEnabled {
		if cfg.ElevenLabsKey != "" {
			ttsSvc = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModelID)
		} else {
			ttsSvc = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID, cfg.SpeechStyle)
		}
	}

	var generator services.VideoGenerator
	if cfg.VideoEnabled {
		switch cfg.AvatarProvider {
		case "did":
			generator = services.NewDIDService(cfg.DIDAPIKey, cfg.DIDAPIURL, cfg.DIDVoiceID)
		case "xai":
			generator = services.NewXAIVideoService(cfg.XAIAPIKey)
		case "veo":
			veoSvc, err := services.NewVeoService(ctx, cfg.GeminiKey, cfg.VeoModel)
			if err != nil {
				log.Fatalf("Failed to create Veo client: %v", err)
			}
			generator = veoSvc
		}
	}

	poller, err := jobs.NewPoller(jobs.PollOptions{
		MaxWait:      cfg.PollMaxWait,
		BaseInterval: cfg.PollBaseInterval,
		Multiplier:   cfg.PollMultiplier,
		MaxInterval:  cfg.PollMaxInterval,
	})
	if err != nil {
		log.Fatalf("Invalid polling options: %v", err)
	}

	p := pipeline.New(chat, ttsSvc, generator, poller, cfg.AvatarSourceURL, cfg.OutputDir)
	if cfg.StorageConfigured() {
		// Audio-capable avatars lip-sync the hosted speech
		p.WithObjectStore(storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket))
	}
	if err := p.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Chat session failed: %v", err)
	}
}
