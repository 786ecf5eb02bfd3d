package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/queue"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/bobarin/avatarcast/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	dequeueTimeout    = 5 * time.Second
	statusWriteBudget = 10 * time.Second
	maxUploads        = 4
)

// RenderStore is the persistence the worker needs (implemented by *db.DB).
type RenderStore interface {
	GetRender(ctx context.Context, id uuid.UUID) (*models.Render, error)
	MarkRenderStarted(ctx context.Context, id uuid.UUID) error
	SetRenderAudio(ctx context.Context, id uuid.UUID, storagePath string) error
	SetRenderRemoteJob(ctx context.Context, id uuid.UUID, remoteJobID string) error
	SetRenderResult(ctx context.Context, id uuid.UUID, resultURL string, videoStoragePath *string, metadata models.JSONB) error
	SetRenderError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
}

// JobSource yields render jobs (implemented by *queue.Queue).
type JobSource interface {
	DequeueRender(ctx context.Context, timeout time.Duration) (*queue.Job, error)
}

// ObjectStore hosts speech audio and mirrored videos (implemented by *storage.Storage).
type ObjectStore interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	GetPublicURL(objectPath string) string
}

type Worker struct {
	store      RenderStore
	source     JobSource
	objects    ObjectStore                        // Optional: nil disables speech hosting and mirroring
	tts        services.TTSService                // Optional: nil means providers voice the text script
	generators map[string]services.VideoGenerator // keyed by provider name
	poller     *jobs.Poller
	uploadSem  chan struct{} // Limits concurrent Supabase uploads across consumers
}

func New(
	store RenderStore,
	source JobSource,
	objects ObjectStore,
	ttsSvc services.TTSService,
	generators []services.VideoGenerator,
	poller *jobs.Poller,
) *Worker {
	byName := make(map[string]services.VideoGenerator, len(generators))
	for _, g := range generators {
		byName[g.Name()] = g
	}
	return &Worker{
		store:      store,
		source:     source,
		objects:    objects,
		tts:        ttsSvc,
		generators: byName,
		poller:     poller,
		uploadSem:  make(chan struct{}, maxUploads),
	}
}

// Start runs concurrency consumers until ctx is cancelled. Each render is
// handled by exactly one consumer with its own polling budget; cancelling
// ctx aborts every in-flight wait. Start returns once all consumers exit.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	log.Printf("[Worker] started with concurrency: %d (providers: %d)", concurrency, len(w.generators))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			w.consume(gctx)
			return nil
		})
	}
	_ = g.Wait()

	log.Println("[Worker] shut down")
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.source.DequeueRender(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] Error dequeuing render: %v", err)
			// Back off briefly so a broken Redis connection doesn't spin
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue // No job available, retry
		}

		log.Printf("[Worker] Processing job %s (render: %s)", job.ID, job.RenderID)
		if err := w.ProcessRender(ctx, job.RenderID); err != nil {
			log.Printf("[Worker] Render %s failed: %v", job.RenderID, err)
		} else {
			log.Printf("[Worker] Render %s completed", job.RenderID)
		}
	}
}

// ProcessRender drives one render to a terminal state: optional speech
// synthesis, submission, polling and optional mirroring. Failures are
// recorded on the render with an error code and returned.
func (w *Worker) ProcessRender(ctx context.Context, renderID uuid.UUID) error {
	render, err := w.store.GetRender(ctx, renderID)
	if err != nil {
		return fmt.Errorf("failed to get render: %w", err)
	}

	// Redelivered jobs for finished renders are no-ops
	if render.Status.Terminal() {
		log.Printf("[Worker] Render %s already %s, skipping", renderID, render.Status)
		return nil
	}

	gen, ok := w.generators[render.Provider]
	if !ok {
		err := fmt.Errorf("avatar provider %q is not configured", render.Provider)
		w.fail(ctx, renderID, err)
		return err
	}

	if err := w.store.MarkRenderStarted(ctx, renderID); err != nil {
		return fmt.Errorf("failed to mark render started: %w", err)
	}

	started := time.Now()
	metadata := models.JSONB{"provider": gen.Name()}

	req := &services.AvatarRequest{
		Script:    render.Script,
		SourceURL: render.SourceURL,
	}
	if render.VoiceID != nil {
		req.VoiceID = *render.VoiceID
	}

	if render.UseSpeech {
		if durationMs, ok := w.attachSpeech(ctx, render, gen, req); ok {
			metadata["audio_duration_ms"] = durationMs
		}
	}

	remoteJobID, err := gen.Submit(ctx, req)
	if err != nil {
		w.fail(ctx, renderID, err)
		return err
	}
	if remoteJobID == "" {
		err := &jobs.SubmissionError{Provider: gen.Name(), Err: fmt.Errorf("empty job id")}
		w.fail(ctx, renderID, err)
		return err
	}

	if err := w.store.SetRenderRemoteJob(ctx, renderID, remoteJobID); err != nil {
		log.Printf("[Worker] Render %s: failed to record remote job %s: %v", renderID, remoteJobID, err)
	}
	log.Printf("[Worker] Render %s: submitted to %s as %s, polling...", renderID, gen.Name(), remoteJobID)

	resultRef, err := w.poller.WaitForCompletion(ctx, gen, remoteJobID)
	if err != nil {
		w.fail(ctx, renderID, err)
		return err
	}

	metadata["generation_ms"] = time.Since(started).Milliseconds()
	videoPath := w.mirrorVideo(ctx, renderID, gen, resultRef)

	if err := w.store.SetRenderResult(ctx, renderID, resultRef, videoPath, metadata); err != nil {
		return fmt.Errorf("failed to save render result: %w", err)
	}
	return nil
}

// attachSpeech synthesizes the script, hosts the audio and points the
// request at it. It is best-effort: on any failure the provider voices
// the text script instead.
func (w *Worker) attachSpeech(ctx context.Context, render *models.Render, gen services.VideoGenerator, req *services.AvatarRequest) (int, bool) {
	if w.tts == nil || w.objects == nil || !gen.SupportsAudio() {
		return 0, false
	}

	speech, err := w.tts.GenerateSpeech(ctx, render.Script)
	if err != nil {
		log.Printf("[Worker] Render %s: TTS failed, falling back to text script: %v", render.ID, err)
		return 0, false
	}

	audioPath := storage.RenderPath(render.ID, "speech."+speech.Format)
	if err := w.uploadWithLimit(ctx, audioPath, func() error {
		return w.objects.Upload(ctx, audioPath, speech.AudioData, "audio/mpeg")
	}); err != nil {
		log.Printf("[Worker] Render %s: audio upload failed, falling back to text script: %v", render.ID, err)
		return 0, false
	}

	if err := w.store.SetRenderAudio(ctx, render.ID, audioPath); err != nil {
		log.Printf("[Worker] Render %s: failed to record audio path: %v", render.ID, err)
	}
	req.AudioURL = w.objects.GetPublicURL(audioPath)
	return speech.DurationMs, true
}

// mirrorVideo copies the finished video into storage. Provider result URLs
// often expire, so this is attempted whenever storage is configured; a
// failure leaves the render pointing at the provider URL.
func (w *Worker) mirrorVideo(ctx context.Context, renderID uuid.UUID, gen services.VideoGenerator, resultRef string) *string {
	if w.objects == nil {
		return nil
	}

	data, err := gen.Download(ctx, resultRef)
	if err != nil {
		log.Printf("[Worker] Render %s: download failed, keeping provider URL: %v", renderID, err)
		return nil
	}

	videoPath := storage.RenderPath(renderID, "video.mp4")
	if err := w.uploadWithLimit(ctx, videoPath, func() error {
		return w.objects.Upload(ctx, videoPath, data, "video/mp4")
	}); err != nil {
		log.Printf("[Worker] Render %s: mirror upload failed, keeping provider URL: %v", renderID, err)
		return nil
	}
	return &videoPath
}

// uploadWithLimit wraps an upload call with a semaphore to prevent Supabase congestion.
func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	log.Printf("[Upload] %s uploading...", label)
	return fn()
}

// fail records err on the render. The write outlives ctx so renders
// interrupted by shutdown still end up failed with code "cancelled".
func (w *Worker) fail(ctx context.Context, renderID uuid.UUID, err error) {
	code := jobs.Code(err)

	var timeoutErr *jobs.TimeoutError
	if errors.As(err, &timeoutErr) {
		log.Printf("[Worker] Render %s timed out after %v (%d polls)", renderID, timeoutErr.Elapsed, timeoutErr.Polls)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteBudget)
	defer cancel()

	if dbErr := w.store.SetRenderError(writeCtx, renderID, code, err.Error()); dbErr != nil {
		log.Printf("[Worker] Render %s: failed to record error (%s): %v", renderID, code, dbErr)
	}
}
