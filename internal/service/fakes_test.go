package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voiceavatar/api/internal/catalog"
	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/clock"
	"github.com/voiceavatar/api/internal/config"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/internal/store"
)

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

var errNetwork = &client.TransportError{Provider: "heygen", Op: "GET /v1/video_status.get", Err: errors.New("connection reset by peer")}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

// pollResult is one scripted GetStatus answer
type pollResult struct {
	status model.JobStatus
	err    error
	detail string
}

type fakeRenderer struct {
	mu sync.Mutex

	uploadErr error
	submitErr error
	videoID   string
	polls     []pollResult
	waitErr   error
	waitURL   string

	beforePoll func(call int)
	beforeWait func()

	uploads   []client.AssetKind
	submitted []model.RenderSpec
	pollCalls int
	waitCalls int
}

func (f *fakeRenderer) UploadAsset(ctx context.Context, data []byte, kind client.AssetKind) (*client.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, kind)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &client.Asset{ID: "asset_voice_1", URL: "https://files.example.com/asset_voice_1"}, nil
}

func (f *fakeRenderer) SubmitRender(ctx context.Context, spec model.RenderSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, spec)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.videoID == "" {
		return "vid_test", nil
	}
	return f.videoID, nil
}

func (f *fakeRenderer) GetStatus(ctx context.Context, videoID string) (*client.RenderStatus, error) {
	f.mu.Lock()
	f.pollCalls++
	call := f.pollCalls
	hook := f.beforePoll
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) == 0 {
		return &client.RenderStatus{VideoID: videoID, Status: model.JobStatusProcessing}, nil
	}
	next := f.polls[0]
	f.polls = f.polls[1:]
	if next.err != nil {
		return nil, next.err
	}
	status := &client.RenderStatus{VideoID: videoID, Status: next.status, Error: next.detail}
	if next.status == model.JobStatusCompleted {
		status.VideoURL = "https://videos.example.com/" + videoID + ".mp4"
		status.ThumbnailURL = "https://videos.example.com/" + videoID + ".jpg"
		status.DurationSeconds = 6.5
	}
	return status, nil
}

func (f *fakeRenderer) WaitForVideo(ctx context.Context, videoID string, maxAttempts int) (*client.RenderStatus, error) {
	if f.beforeWait != nil {
		f.beforeWait()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	if f.waitErr != nil {
		if errors.Is(f.waitErr, client.ErrRenderFailed) {
			return &client.RenderStatus{VideoID: videoID, Status: model.JobStatusFailed}, f.waitErr
		}
		return nil, f.waitErr
	}
	return &client.RenderStatus{VideoID: videoID, Status: model.JobStatusCompleted, VideoURL: f.waitURL}, nil
}

type passthroughEncoder struct {
	calls int
	err   error
}

func (e *passthroughEncoder) Encode(ctx context.Context, rec model.Recording) (model.Recording, error) {
	e.calls++
	if e.err != nil {
		return model.Recording{}, e.err
	}
	return model.Recording{Data: rec.Data, MIMEType: "audio/wav"}, nil
}

type fakeArchive struct {
	err     error
	put     map[string][]byte
	removed []string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{put: map[string][]byte{}}
}

func (a *fakeArchive) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.put[key] = data
	return "https://cdn.example.com/" + key, nil
}

func (a *fakeArchive) Remove(ctx context.Context, key string) error {
	a.removed = append(a.removed, key)
	return nil
}

func (a *fakeArchive) KeyFromURL(fileURL string) (string, bool) {
	const prefix = "https://cdn.example.com/"
	if len(fileURL) <= len(prefix) || fileURL[:len(prefix)] != prefix {
		return "", false
	}
	return fileURL[len(prefix):], true
}

// countingStore records every Update applied to the wrapped store
type countingStore struct {
	store.Store
	mu      sync.Mutex
	updates []model.JobUpdate
}

func (s *countingStore) Update(ctx context.Context, id string, u model.JobUpdate) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return s.Store.Update(ctx, id, u)
}

func (s *countingStore) Finish(ctx context.Context, id string, u model.JobUpdate) (bool, error) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return s.Store.Finish(ctx, id, u)
}

func (s *countingStore) updatesTo(status model.JobStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.Status != nil && *u.Status == status {
			n++
		}
	}
	return n
}

// eventRecorder keeps every event in order
type eventRecorder struct {
	mu      sync.Mutex
	events  []model.ProgressEvent
	onEvent func(model.ProgressEvent)
}

func (r *eventRecorder) Notify(event model.ProgressEvent) {
	if r.onEvent != nil {
		r.onEvent(event)
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func testCatalog() *catalog.Catalog {
	return catalog.New(&config.CatalogConfig{
		Personas: []config.PersonaEntry{
			{ID: "anna", Label: "Anna", AvatarID: "Anna_public_3"},
		},
		Voices: []config.VoiceEntry{
			{ID: "v_en_1", Label: "Warm English"},
		},
	}, nil)
}

type harness struct {
	svc         *GenerationService
	transcriber *fakeTranscriber
	renderer    *fakeRenderer
	store       *countingStore
	encoder     *passthroughEncoder
	clock       *clock.Fake
}

func newHarness(archive client.RecordingArchive) *harness {
	h := &harness{
		transcriber: &fakeTranscriber{text: "hello world"},
		renderer:    &fakeRenderer{},
		store:       &countingStore{Store: store.NewMemoryStore()},
		encoder:     &passthroughEncoder{},
		clock:       clock.NewFake(testStart),
	}
	h.svc = NewGenerationService(
		h.transcriber,
		h.renderer,
		h.store,
		testCatalog(),
		h.encoder,
		archive,
		h.clock,
		GenerationOptions{PollInterval: 3 * time.Second, RefreshAttempts: 2, Width: 1280, Height: 720, AspectRatio: "16:9"},
	)
	return h
}

func presetRequest() model.RenderRequest {
	return model.RenderRequest{
		Audio:         model.Recording{Data: []byte("RIFF-recording"), MIMEType: "audio/wav"},
		VoiceMode:     model.VoiceModePreset,
		PresetVoiceID: "v_en_1",
		Persona:       model.PersonaRef{Kind: model.PersonaKindPreset, ID: "anna"},
	}
}

func customRequest() model.RenderRequest {
	req := presetRequest()
	req.VoiceMode = model.VoiceModeCustom
	req.PresetVoiceID = ""
	return req
}
