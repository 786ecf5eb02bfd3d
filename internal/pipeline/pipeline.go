package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/avatarcast/internal/jobs"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/bobarin/avatarcast/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	prompt         = "message: "
	exitCommand    = "exit"
	profileCommand = "profile"
)

// Chatter produces a reply to a user message, streaming deltas as they arrive
// (implemented by *services.ChatSession).
type Chatter interface {
	Send(ctx context.Context, text string, onDelta func(string)) (string, error)
}

// Profiler summarizes what the conversation revealed about the visitor.
// Chatters that also implement it enable the "profile" command.
type Profiler interface {
	Profile(ctx context.Context) (*services.VisitorProfile, error)
}

// ObjectStore hosts speech so audio-capable providers can fetch it
// (implemented by *storage.Storage).
type ObjectStore interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	GetPublicURL(objectPath string) string
}

// Pipeline turns each chat reply into a speech file and a talking-avatar video.
type Pipeline struct {
	chat      Chatter
	tts       services.TTSService     // Optional: nil skips speech
	generator services.VideoGenerator // Optional: nil skips video
	objects   ObjectStore             // Optional: nil keeps speech and video independent
	poller    *jobs.Poller
	sourceURL string
	outputDir string
}

func New(chat Chatter, ttsSvc services.TTSService, generator services.VideoGenerator, poller *jobs.Poller, sourceURL, outputDir string) *Pipeline {
	return &Pipeline{
		chat:      chat,
		tts:       ttsSvc,
		generator: generator,
		poller:    poller,
		sourceURL: sourceURL,
		outputDir: outputDir,
	}
}

// WithObjectStore makes the avatar lip-sync the synthesized speech instead of
// voicing the text itself, for providers that accept audio.
func (p *Pipeline) WithObjectStore(objects ObjectStore) *Pipeline {
	p.objects = objects
	return p
}

// Run reads messages from in until "exit", EOF or ctx cancellation.
// A failed turn is reported and the session continues.
func (p *Pipeline) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	lines, scanErr := readLines(in, done)
	for {
		fmt.Fprint(out, prompt)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(out)
			return <-scanErr
		}

		message := strings.TrimSpace(line)
		switch {
		case message == "":
			continue
		case strings.EqualFold(message, exitCommand):
			return nil
		case strings.EqualFold(message, profileCommand):
			p.printProfile(ctx, out)
			continue
		}

		reply, err := p.chat.Send(ctx, message, func(delta string) {
			fmt.Fprint(out, delta)
		})
		fmt.Fprintln(out)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[Chat] reply failed: %v", err)
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		p.HandleReply(ctx, reply, out)
	}
}

// readLines scans in on its own goroutine so a blocked read never delays
// cancellation. The goroutine stops at EOF, when done closes, or with the
// process if a read never returns.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

func (p *Pipeline) printProfile(ctx context.Context, out io.Writer) {
	profiler, ok := p.chat.(Profiler)
	if !ok {
		fmt.Fprintln(out, "profile extraction is not available")
		return
	}
	profile, err := profiler.Profile(ctx)
	if err != nil {
		log.Printf("[Chat] profile extraction failed: %v", err)
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	data, _ := json.MarshalIndent(profile, "", "  ")
	fmt.Fprintf(out, "%s\n", data)
}

// HandleReply produces speech and a video for reply. With an object store and
// an audio-capable provider the video lip-syncs the speech; otherwise both run
// concurrently and the provider voices the text. Failures are reported to out
// and logged.
func (p *Pipeline) HandleReply(ctx context.Context, reply string, out io.Writer) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}

	w := &syncWriter{w: out}
	if p.chainsSpeech() {
		p.speakThenRender(ctx, reply, w)
		return
	}

	var g errgroup.Group
	if p.tts != nil {
		g.Go(func() error {
			p.reportSpeech(p.speak(ctx, reply), w)
			return nil
		})
	}
	if p.generator != nil {
		g.Go(func() error {
			p.reportVideo(ctx, &services.AvatarRequest{Script: reply, SourceURL: p.sourceURL}, w)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) chainsSpeech() bool {
	return p.tts != nil && p.objects != nil && p.generator != nil && p.generator.SupportsAudio()
}

// speakThenRender hosts the speech and animates it. If speech or its upload
// fails the provider falls back to the text script.
func (p *Pipeline) speakThenRender(ctx context.Context, reply string, w *syncWriter) {
	req := &services.AvatarRequest{Script: reply, SourceURL: p.sourceURL}

	result := p.speak(ctx, reply)
	p.reportSpeech(result, w)
	if result.err == nil {
		audioPath := storage.RenderPath(uuid.New(), "speech."+result.format)
		if err := p.objects.Upload(ctx, audioPath, result.audio, "audio/mpeg"); err != nil {
			log.Printf("[Chat] speech upload failed, avatar will voice the text: %v", err)
		} else {
			req.AudioURL = p.objects.GetPublicURL(audioPath)
		}
	}

	p.reportVideo(ctx, req, w)
}

type speechResult struct {
	path    string
	audio   []byte
	format  string
	elapsed time.Duration
	err     error
}

func (p *Pipeline) speak(ctx context.Context, text string) speechResult {
	started := time.Now()
	speech, err := p.tts.GenerateSpeech(ctx, text)
	if err != nil {
		return speechResult{err: err}
	}
	elapsed := time.Since(started)

	path := p.outputPath(p.tts.Name()+"_output", speech.Format)
	if err := os.WriteFile(path, speech.AudioData, 0o644); err != nil {
		return speechResult{err: fmt.Errorf("failed to save speech: %w", err)}
	}
	return speechResult{path: path, audio: speech.AudioData, format: speech.Format, elapsed: elapsed}
}

func (p *Pipeline) reportSpeech(r speechResult, w *syncWriter) {
	if r.err != nil {
		log.Printf("[TTS] %s speech failed: %v", p.tts.Name(), r.err)
		w.printf("speech failed: %v\n", r.err)
		return
	}
	w.printf("speech saved to %s (generated in %.2fs)\n", r.path, r.elapsed.Seconds())
}

func (p *Pipeline) reportVideo(ctx context.Context, req *services.AvatarRequest, w *syncWriter) {
	resultRef, path, err := p.render(ctx, req)
	if err != nil {
		log.Printf("[Video] %s render failed (%s): %v", p.generator.Name(), jobs.Code(err), err)
		w.printf("video failed: %v\n", err)
		return
	}
	w.printf("video ready: %s\n", resultRef)
	if path != "" {
		w.printf("video saved to %s\n", path)
	}
}

// render returns the provider result and the local copy path. A failed
// download still yields the result so the caller can print it.
func (p *Pipeline) render(ctx context.Context, req *services.AvatarRequest) (string, string, error) {
	resultRef, err := jobs.Generate[*services.AvatarRequest](ctx, p.poller, p.generator, req)
	if err != nil {
		return "", "", err
	}

	data, err := p.generator.Download(ctx, resultRef)
	if err != nil {
		log.Printf("[Video] download failed, keeping remote result: %v", err)
		return resultRef, "", nil
	}

	path := p.outputPath(p.generator.Name()+"_video", "mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("[Video] failed to save %s: %v", path, err)
		return resultRef, "", nil
	}
	return resultRef, path, nil
}

// outputPath builds <outputDir>/<prefix>_<4 hex chars>.<ext>.
func (p *Pipeline) outputPath(prefix, ext string) string {
	return filepath.Join(p.outputDir, fmt.Sprintf("%s_%s.%s", prefix, uuid.NewString()[:4], ext))
}
