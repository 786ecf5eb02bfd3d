package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/queue"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	renders map[uuid.UUID]*models.Render
}

func newMemStore(renders ...*models.Render) *memStore {
	s := &memStore{renders: map[uuid.UUID]*models.Render{}}
	for _, r := range renders {
		s.renders[r.ID] = r
	}
	return s
}

func (s *memStore) get(id uuid.UUID) models.Render {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.renders[id]
}

func (s *memStore) update(id uuid.UUID, fn func(r *models.Render)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renders[id]
	if !ok {
		return fmt.Errorf("render %s not found", id)
	}
	fn(r)
	return nil
}

func (s *memStore) GetRender(ctx context.Context, id uuid.UUID) (*models.Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renders[id]
	if !ok {
		return nil, fmt.Errorf("render %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) MarkRenderStarted(ctx context.Context, id uuid.UUID) error {
	return s.update(id, func(r *models.Render) {
		r.Status = models.RenderStatusSubmitting
		r.Attempts++
	})
}

func (s *memStore) SetRenderAudio(ctx context.Context, id uuid.UUID, p string) error {
	return s.update(id, func(r *models.Render) { r.AudioStoragePath = &p })
}

func (s *memStore) SetRenderRemoteJob(ctx context.Context, id uuid.UUID, jobID string) error {
	return s.update(id, func(r *models.Render) {
		r.RemoteJobID = &jobID
		r.Status = models.RenderStatusPolling
	})
}

func (s *memStore) SetRenderResult(ctx context.Context, id uuid.UUID, resultURL string, videoPath *string, md models.JSONB) error {
	return s.update(id, func(r *models.Render) {
		r.Status = models.RenderStatusCompleted
		r.ResultURL = &resultURL
		r.VideoStoragePath = videoPath
		r.Metadata = md
	})
}

func (s *memStore) SetRenderError(ctx context.Context, id uuid.UUID, code, msg string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.update(id, func(r *models.Render) {
		r.Status = models.RenderStatusFailed
		r.ErrorCode = &code
		r.ErrorMessage = &msg
	})
}

type fakeGenerator struct {
	name       string
	audio      bool
	submitErr  error
	statuses   []jobs.Status
	mu         sync.Mutex
	polls      int
	lastReq    *services.AvatarRequest
	downloaded []string
}

func (g *fakeGenerator) Name() string        { return g.name }
func (g *fakeGenerator) SupportsAudio() bool { return g.audio }

func (g *fakeGenerator) Submit(ctx context.Context, req *services.AvatarRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastReq = req
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return "remote-1", nil
}

func (g *fakeGenerator) FetchStatus(ctx context.Context, jobID string) (*jobs.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.polls
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	g.polls++
	st := g.statuses[i]
	return &st, nil
}

func (g *fakeGenerator) Download(ctx context.Context, ref string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.downloaded = append(g.downloaded, ref)
	return []byte("mp4:" + ref), nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func (o *memObjects) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p == o.failOn {
		return errors.New("upload failed with status 403")
	}
	if o.objects == nil {
		o.objects = map[string][]byte{}
	}
	o.objects[p] = data
	return nil
}

func (o *memObjects) GetPublicURL(p string) string { return "https://cdn.test/" + p }

type fakeTTS struct{ err error }

func (f fakeTTS) Name() string { return "elevenlabs" }

func (f fakeTTS) GenerateSpeech(ctx context.Context, text string) (*services.TTSResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.TTSResponse{AudioData: []byte("mp3"), DurationMs: 1200, Format: "mp3"}, nil
}

type chanSource struct{ ch chan *queue.Job }

func (s chanSource) DequeueRender(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case j := <-s.ch:
		return j, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func newRender(provider string, useSpeech bool) *models.Render {
	return &models.Render{
		ID:        uuid.New(),
		Provider:  provider,
		Script:    "Hello from Tbilisi",
		SourceURL: "https://example.com/face.jpg",
		UseSpeech: useSpeech,
		Status:    models.RenderStatusQueued,
	}
}

func testPoller(t *testing.T, maxWait time.Duration) *jobs.Poller {
	t.Helper()
	p, err := jobs.NewPoller(jobs.PollOptions{MaxWait: maxWait, BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return p
}

func done(ref string) jobs.Status { return jobs.Status{State: jobs.StateDone, ResultRef: ref} }

var processing = jobs.Status{State: jobs.StateProcessing}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcessRender_SpeechThenAudioDrivenVideo(t *testing.T) {
	r := newRender("did", true)
	store := newMemStore(r)
	objects := &memObjects{}
	gen := &fakeGenerator{name: "did", audio: true, statuses: []jobs.Status{processing, done("https://d-id/x.mp4")}}

	w := New(store, nil, objects, fakeTTS{}, []services.VideoGenerator{gen}, testPoller(t, time.Second))
	require.NoError(t, w.ProcessRender(context.Background(), r.ID))

	got := store.get(r.ID)
	assert.Equal(t, models.RenderStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "remote-1", *got.RemoteJobID)
	assert.Equal(t, "https://d-id/x.mp4", *got.ResultURL)

	audioPath := "renders/" + r.ID.String() + "/speech.mp3"
	videoPath := "renders/" + r.ID.String() + "/video.mp4"
	require.NotNil(t, got.AudioStoragePath)
	assert.Equal(t, audioPath, *got.AudioStoragePath)
	require.NotNil(t, got.VideoStoragePath)
	assert.Equal(t, videoPath, *got.VideoStoragePath)

	assert.Equal(t, "https://cdn.test/"+audioPath, gen.lastReq.AudioURL)
	assert.Equal(t, []byte("mp4:https://d-id/x.mp4"), objects.objects[videoPath])
	assert.Equal(t, 1200, got.Metadata["audio_duration_ms"])
	assert.Equal(t, 2, gen.polls)
}

func TestProcessRender_TextScriptWhenProviderIgnoresAudio(t *testing.T) {
	r := newRender("xai", true)
	store := newMemStore(r)
	gen := &fakeGenerator{name: "xai", statuses: []jobs.Status{done("https://x/v.mp4")}}

	w := New(store, nil, &memObjects{}, fakeTTS{}, []services.VideoGenerator{gen}, testPoller(t, time.Second))
	require.NoError(t, w.ProcessRender(context.Background(), r.ID))

	assert.Empty(t, gen.lastReq.AudioURL)
	assert.Nil(t, store.get(r.ID).AudioStoragePath)
}

func TestProcessRender_TTSFailureFallsBackToText(t *testing.T) {
	r := newRender("did", true)
	store := newMemStore(r)
	gen := &fakeGenerator{name: "did", audio: true, statuses: []jobs.Status{done("https://d-id/x.mp4")}}

	w := New(store, nil, &memObjects{}, fakeTTS{err: errors.New("quota")}, []services.VideoGenerator{gen}, testPoller(t, time.Second))
	require.NoError(t, w.ProcessRender(context.Background(), r.ID))

	assert.Empty(t, gen.lastReq.AudioURL)
	assert.Equal(t, "Hello from Tbilisi", gen.lastReq.Script)
	assert.Equal(t, models.RenderStatusCompleted, store.get(r.ID).Status)
}

func TestProcessRender_MirrorFailureKeepsProviderURL(t *testing.T) {
	r := newRender("did", false)
	store := newMemStore(r)
	objects := &memObjects{failOn: "renders/" + r.ID.String() + "/video.mp4"}
	gen := &fakeGenerator{name: "did", statuses: []jobs.Status{done("https://d-id/x.mp4")}}

	w := New(store, nil, objects, nil, []services.VideoGenerator{gen}, testPoller(t, time.Second))
	require.NoError(t, w.ProcessRender(context.Background(), r.ID))

	got := store.get(r.ID)
	assert.Equal(t, models.RenderStatusCompleted, got.Status)
	assert.Nil(t, got.VideoStoragePath)
	assert.Equal(t, "https://d-id/x.mp4", *got.ResultURL)
}

func TestProcessRender_FailuresAreRecordedWithCodes(t *testing.T) {
	cases := []struct {
		name     string
		gen      *fakeGenerator
		maxWait  time.Duration
		wantCode string
	}{
		{
			name:     "submission",
			gen:      &fakeGenerator{name: "did", submitErr: &jobs.SubmissionError{Provider: "did", StatusCode: 401}},
			maxWait:  time.Second,
			wantCode: "submission_failed",
		},
		{
			name:     "remote error",
			gen:      &fakeGenerator{name: "did", statuses: []jobs.Status{{State: jobs.StateError, ErrorDetail: "bad face"}}},
			maxWait:  time.Second,
			wantCode: "remote_job_failed",
		},
		{
			name:     "missing result",
			gen:      &fakeGenerator{name: "did", statuses: []jobs.Status{{State: jobs.StateDone}}},
			maxWait:  time.Second,
			wantCode: "missing_result",
		},
		{
			name:     "timeout",
			gen:      &fakeGenerator{name: "did", statuses: []jobs.Status{processing}},
			maxWait:  20 * time.Millisecond,
			wantCode: "timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRender("did", false)
			store := newMemStore(r)
			w := New(store, nil, nil, nil, []services.VideoGenerator{tc.gen}, testPoller(t, tc.maxWait))

			err := w.ProcessRender(context.Background(), r.ID)
			require.Error(t, err)

			got := store.get(r.ID)
			assert.Equal(t, models.RenderStatusFailed, got.Status)
			require.NotNil(t, got.ErrorCode)
			assert.Equal(t, tc.wantCode, *got.ErrorCode)
		})
	}
}

func TestProcessRender_UnknownProvider(t *testing.T) {
	r := newRender("sora", false)
	store := newMemStore(r)
	w := New(store, nil, nil, nil, nil, testPoller(t, time.Second))

	require.Error(t, w.ProcessRender(context.Background(), r.ID))
	got := store.get(r.ID)
	assert.Equal(t, models.RenderStatusFailed, got.Status)
	assert.Equal(t, "internal", *got.ErrorCode)
}

func TestProcessRender_SkipsTerminalRenders(t *testing.T) {
	r := newRender("did", false)
	r.Status = models.RenderStatusCompleted
	store := newMemStore(r)
	gen := &fakeGenerator{name: "did", statuses: []jobs.Status{done("x")}}

	w := New(store, nil, nil, nil, []services.VideoGenerator{gen}, testPoller(t, time.Second))
	require.NoError(t, w.ProcessRender(context.Background(), r.ID))
	assert.Nil(t, gen.lastReq)
}

func TestProcessRender_CancelledWaitIsRecorded(t *testing.T) {
	r := newRender("did", false)
	store := newMemStore(r)
	gen := &fakeGenerator{name: "did", statuses: []jobs.Status{processing}}
	w := New(store, nil, nil, nil, []services.VideoGenerator{gen}, testPoller(t, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := w.ProcessRender(ctx, r.ID)
	require.Error(t, err)

	got := store.get(r.ID)
	assert.Equal(t, models.RenderStatusFailed, got.Status)
	assert.Equal(t, "cancelled", *got.ErrorCode)
}

func TestStart_ProcessesRendersConcurrently(t *testing.T) {
	a, b := newRender("did", false), newRender("did", false)
	store := newMemStore(a, b)
	gen := &fakeGenerator{name: "did", statuses: []jobs.Status{processing, done("https://d-id/x.mp4")}}
	src := chanSource{ch: make(chan *queue.Job, 2)}
	src.ch <- &queue.Job{ID: uuid.New(), RenderID: a.ID}
	src.ch <- &queue.Job{ID: uuid.New(), RenderID: b.ID}

	w := New(store, src, nil, nil, []services.VideoGenerator{gen}, testPoller(t, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx, 2)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return store.get(a.ID).Status == models.RenderStatusCompleted &&
			store.get(b.ID).Status == models.RenderStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
