package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bobarin/avatarcast/internal/api"
	"github.com/bobarin/avatarcast/internal/config"
	"github.com/bobarin/avatarcast/internal/db"
	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/queue"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/bobarin/avatarcast/internal/storage"
	"github.com/bobarin/avatarcast/internal/worker"
)

func main() {
	log.Println("Starting Avatarcast API...")

	// Load configuration
	cfg := config.Load()
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage (optional: hosts speech audio and mirrored videos)
	var stor *storage.Storage
	if cfg.StorageConfigured() {
		stor = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
		log.Println("Initialized Supabase storage")
	} else {
		log.Println("Supabase storage not configured, speech and mirroring disabled")
	}

	// Initialize avatar providers, one per configured key
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	generators := buildGenerators(rootCtx, cfg)
	providers := make([]string, 0, len(generators))
	for _, g := range generators {
		providers = append(providers, g.Name())
	}
	log.Printf("Avatar providers: %v (default: %s)", providers, cfg.AvatarProvider)

	// Initialize TTS provider: ElevenLabs preferred, Cartesia as fallback
	var ttsSvc services.TTSService
	if cfg.ElevenLabsKey != "" {
		ttsSvc = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModelID)
		log.Printf("TTS provider: ElevenLabs (model: %s)", cfg.ElevenLabsModelID)
	} else if cfg.CartesiaKey != "" {
		ttsSvc = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID, cfg.SpeechStyle)
		log.Println("TTS provider: Cartesia")
	} else {
		log.Println("No TTS provider configured, providers will voice text scripts")
	}

	// Create API handler. Interfaces stay nil (not typed-nil) without storage.
	var objectURLs api.ObjectURLs
	var objects worker.ObjectStore
	if stor != nil {
		objectURLs = stor
		objects = stor
	}

	handler := api.NewHandler(database, q, objectURLs, api.RenderDefaults{
		Provider:        cfg.AvatarProvider,
		SourceURL:       cfg.AvatarSourceURL,
		Providers:       providers,
		SpeechAvailable: ttsSvc != nil && stor != nil,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerDone sync.WaitGroup
	if cfg.WorkerEnabled {
		poller, err := jobs.NewPoller(jobs.PollOptions{
			MaxWait:      cfg.PollMaxWait,
			BaseInterval: cfg.PollBaseInterval,
			Multiplier:   cfg.PollMultiplier,
			MaxInterval:  cfg.PollMaxInterval,
		})
		if err != nil {
			log.Fatalf("Invalid polling options: %v", err)
		}

		log.Println("Worker enabled, starting background processing...")
		w := worker.New(database, q, objects, ttsSvc, generators, poller)

		workerDone.Add(1)
		go func() {
			defer workerDone.Done()
			w.Start(rootCtx, cfg.MaxConcurrentJobs)
		}()
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker: in-flight renders are cancelled and recorded as failed
	cancelRoot()

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	workerDone.Wait()

	log.Println("Server exited")
}

// buildGenerators returns a generator for every provider with credentials.
// The default provider is validated by config; others are optional.
func buildGenerators(ctx context.Context, cfg *config.Config) []services.VideoGenerator {
	var generators []services.VideoGenerator
	if cfg.DIDAPIKey != "" {
		generators = append(generators, services.NewDIDService(cfg.DIDAPIKey, cfg.DIDAPIURL, cfg.DIDVoiceID))
	}
	if cfg.XAIAPIKey != "" {
		generators = append(generators, services.NewXAIVideoService(cfg.XAIAPIKey))
	}
	if cfg.GeminiKey != "" {
		veoSvc, err := services.NewVeoService(ctx, cfg.GeminiKey, cfg.VeoModel)
		if err != nil {
			log.Printf("WARNING: Veo disabled: %v", err)
		} else {
			generators = append(generators, veoSvc)
		}
	}
	return generators
}
