package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/internal/store"
	"github.com/voiceavatar/api/pkg/response"
)

func TestGenerate_ValidationFailsWithoutRemoteCalls(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *model.RenderRequest)
		field  string
	}{
		{"missing audio", func(r *model.RenderRequest) { r.Audio = model.Recording{} }, "audio"},
		{"missing persona", func(r *model.RenderRequest) { r.Persona = model.PersonaRef{} }, "persona"},
		{"missing voice mode", func(r *model.RenderRequest) { r.VoiceMode = "" }, "voiceMode"},
		{"unsupported voice mode", func(r *model.RenderRequest) { r.VoiceMode = "clone" }, "voiceMode"},
		{"preset without voice id", func(r *model.RenderRequest) { r.PresetVoiceID = " " }, "presetVoiceId"},
		{"unknown preset voice", func(r *model.RenderRequest) { r.PresetVoiceID = "v_unknown" }, "presetVoiceId"},
		{"unknown persona", func(r *model.RenderRequest) { r.Persona.ID = "nobody" }, "persona"},
		{"everything missing reports audio first", func(r *model.RenderRequest) { *r = model.RenderRequest{} }, "audio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			events := &eventRecorder{}
			req := presetRequest()
			tt.mutate(&req)

			_, err := h.svc.Generate(context.Background(), "req_1", req, events)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, h.transcriber.calls)
			assert.Empty(t, h.renderer.uploads)
			assert.Empty(t, h.renderer.submitted)
			assert.Zero(t, h.renderer.pollCalls)
			assert.Empty(t, events.events)
		})
	}
}

func TestGenerate_PresetVoiceRetriesThroughPollErrors(t *testing.T) {
	h := newHarness(nil)
	h.renderer.polls = []pollResult{
		{err: errNetwork},
		{err: errNetwork},
		{status: model.JobStatusProcessing},
		{status: model.JobStatusCompleted},
	}
	events := &eventRecorder{}

	video, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), events)
	require.NoError(t, err)

	assert.Equal(t, &model.PlayableVideo{
		JobID:           "vid_test",
		URL:             "https://videos.example.com/vid_test.mp4",
		ThumbnailURL:    "https://videos.example.com/vid_test.jpg",
		DurationSeconds: 6.5,
	}, video)
	assert.Equal(t, 4, h.renderer.pollCalls)
	assert.Equal(t, 1, h.store.updatesTo(model.JobStatusCompleted))
	assert.Len(t, h.store.updates, 1)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, h.clock.Sleeps())

	require.Len(t, h.renderer.submitted, 1)
	spec := h.renderer.submitted[0]
	assert.Equal(t, model.TextVoice{VoiceID: "v_en_1", Text: "hello world"}, spec.Voice)
	assert.Equal(t, model.AvatarCharacter{AvatarID: "Anna_public_3"}, spec.Character)
	assert.Equal(t, 1280, spec.Width)
	assert.Equal(t, 720, spec.Height)
	assert.Equal(t, "16:9", spec.AspectRatio)

	assert.Equal(t, []string{
		model.StageValidating,
		model.StageTranscribing,
		model.StageSubmitting,
		model.StageSubmitted,
		model.StagePollRetry,
		model.StagePollRetry,
		model.StageRendering,
		model.StageCompleted,
	}, events.stages())
	last := events.events[len(events.events)-1]
	assert.Equal(t, "req_1", last.RequestID)
	assert.Equal(t, "vid_test", last.JobID)
	assert.Equal(t, int64(9000), last.ElapsedMs)

	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "hello world", job.TranscriptText)
	assert.Equal(t, "Anna", job.PersonaLabel)
	assert.Equal(t, "Warm English", job.VoiceLabel)
	assert.Equal(t, testStart, job.CreatedAt)
	assert.Equal(t, "https://videos.example.com/vid_test.mp4", *job.ResultURL)
	assert.Equal(t, 6.5, *job.DurationSeconds)
}

func TestGenerate_TranscriptMatchesProvider(t *testing.T) {
	h := newHarness(nil)
	h.transcriber.text = "the quick brown fox"
	h.renderer.polls = []pollResult{{status: model.JobStatusCompleted}}

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, model.TextVoice{VoiceID: "v_en_1", Text: "the quick brown fox"}, h.renderer.submitted[0].Voice)
	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", job.TranscriptText)
}

func TestGenerate_RecordExistsBeforeFirstPoll(t *testing.T) {
	h := newHarness(nil)
	h.renderer.polls = []pollResult{{status: model.JobStatusCompleted}}

	checked := false
	h.renderer.beforePoll = func(call int) {
		if call != 1 {
			return
		}
		job, err := h.store.GetByID(context.Background(), "vid_test")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, model.JobStatusProcessing, job.Status)
		assert.Nil(t, job.ResultURL)
		checked = true
	}

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)
	require.NoError(t, err)
	assert.True(t, checked)
}

func TestGenerate_PersistsBeforeNotifying(t *testing.T) {
	for _, terminal := range []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			h := newHarness(nil)
			h.renderer.polls = []pollResult{{status: model.JobStatusProcessing}, {status: terminal}}

			events := &eventRecorder{}
			events.onEvent = func(e model.ProgressEvent) {
				if e.JobID == "" {
					return
				}
				job, err := h.store.GetByID(context.Background(), e.JobID)
				require.NoError(t, err)
				require.NotNil(t, job, "event %s emitted before the record existed", e.Stage)
				switch e.Stage {
				case model.StageCompleted:
					assert.Equal(t, model.JobStatusCompleted, job.Status)
					assert.NotNil(t, job.ResultURL)
				case model.StageFailed:
					assert.Equal(t, model.JobStatusFailed, job.Status)
				default:
					assert.Equal(t, model.JobStatusProcessing, job.Status)
				}
			}

			_, _ = h.svc.Generate(context.Background(), "req_1", presetRequest(), events)
			assert.Contains(t, events.stages(), string(terminal))
		})
	}
}

func TestGenerate_FailedRenderIsStoredBeforeReturning(t *testing.T) {
	h := newHarness(nil)
	h.renderer.polls = []pollResult{
		{status: model.JobStatusProcessing},
		{status: model.JobStatusFailed, detail: "avatar could not be rendered"},
	}
	events := &eventRecorder{}

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), events)

	var rerr *RenderFailedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "vid_test", rerr.JobID)
	assert.Equal(t, "avatar could not be rendered", rerr.Detail)
	assert.True(t, errors.Is(err, client.ErrRenderFailed))

	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Nil(t, job.ResultURL)
	assert.Equal(t, 2, h.renderer.pollCalls)
	assert.Equal(t, model.StageFailed, events.stages()[len(events.events)-1])
}

func TestGenerate_TranscriptionFailureStopsPipeline(t *testing.T) {
	h := newHarness(nil)
	h.transcriber.err = &client.TranscriptionError{TranscriptID: "tr_1", Detail: "unsupported language"}

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)

	var terr *client.TranscriptionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "unsupported language", terr.Detail)
	assert.Empty(t, h.renderer.uploads)
	assert.Empty(t, h.renderer.submitted)
}

func TestGenerate_EmptyTranscriptIsRejected(t *testing.T) {
	h := newHarness(nil)
	h.transcriber.text = "  "

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "audio", verr.Field)
	assert.Empty(t, h.renderer.submitted)
}

func TestGenerate_CustomVoiceUploadsEncodedAudio(t *testing.T) {
	h := newHarness(nil)
	h.renderer.polls = []pollResult{{status: model.JobStatusCompleted}}
	events := &eventRecorder{}

	_, err := h.svc.Generate(context.Background(), "req_1", customRequest(), events)
	require.NoError(t, err)

	assert.Zero(t, h.transcriber.calls)
	assert.Equal(t, 1, h.encoder.calls)
	assert.Equal(t, []client.AssetKind{client.AssetKindAudio}, h.renderer.uploads)
	assert.Equal(t, model.AudioVoice{AssetID: "asset_voice_1"}, h.renderer.submitted[0].Voice)
	assert.Equal(t, []string{
		model.StageValidating,
		model.StageEncoding,
		model.StageUploading,
		model.StageSubmitting,
		model.StageSubmitted,
		model.StageCompleted,
	}, events.stages())

	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, customVoiceLabel, job.VoiceLabel)
	assert.Empty(t, job.TranscriptText)
}

func TestGenerate_CustomVoiceTransportFailureIsBlocked(t *testing.T) {
	h := newHarness(nil)
	h.renderer.uploadErr = &client.TransportError{Provider: "heygen", Op: "POST /v1/asset", Err: errors.New("dial tcp: connection refused")}

	_, err := h.svc.Generate(context.Background(), "req_1", customRequest(), nil)

	var blocked *TransportBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.True(t, client.IsTransport(err))
	assert.Empty(t, h.renderer.submitted)
}

func TestGenerate_CancelledUploadIsNotBlocked(t *testing.T) {
	h := newHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.renderer.uploadErr = &client.TransportError{Provider: "heygen", Op: "POST /v1/asset", Err: context.Canceled}

	_, err := h.svc.Generate(ctx, "req_1", customRequest(), nil)

	assert.ErrorIs(t, err, context.Canceled)
	var blocked *TransportBlockedError
	assert.False(t, errors.As(err, &blocked))
	assert.Equal(t, response.CodeServiceError, ErrorCode(err))
	assert.Empty(t, h.renderer.submitted)
}

func TestGenerate_CustomVoiceProviderErrorIsNotBlocked(t *testing.T) {
	h := newHarness(nil)
	h.renderer.uploadErr = &client.ProviderError{Provider: "heygen", HTTPStatus: 413, Message: "payload too large"}

	_, err := h.svc.Generate(context.Background(), "req_1", customRequest(), nil)

	var blocked *TransportBlockedError
	assert.False(t, errors.As(err, &blocked))
	var perr *client.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 413, perr.HTTPStatus)
}

func TestGenerate_SubmitFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(nil)
	h.renderer.submitErr = &client.ProviderError{Provider: "heygen", HTTPStatus: 400, Message: "bad avatar"}

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)

	var perr *client.ProviderError
	require.ErrorAs(t, err, &perr)
	all, err := h.store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, h.renderer.pollCalls)
}

func TestGenerate_DuplicateVideoIDIsNotOverwritten(t *testing.T) {
	h := newHarness(nil)
	existing := &model.RenderJob{ID: "vid_test", Status: model.JobStatusCompleted, CreatedAt: testStart.Add(-time.Hour), PersonaLabel: "First"}
	require.NoError(t, h.store.Create(context.Background(), existing))

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)

	var dup *store.DuplicateIDError
	require.ErrorAs(t, err, &dup)
	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, "First", job.PersonaLabel)
	assert.Zero(t, h.renderer.pollCalls)
}

func TestGenerate_CancellationLeavesJobProcessing(t *testing.T) {
	h := newHarness(nil)
	h.renderer.polls = []pollResult{{status: model.JobStatusProcessing}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.renderer.beforePoll = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	_, err := h.svc.Generate(ctx, "req_1", presetRequest(), nil)
	assert.ErrorIs(t, err, context.Canceled)

	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Empty(t, h.store.updates)
}

func TestGenerate_ArchivesRecording(t *testing.T) {
	archive := newFakeArchive()
	h := newHarness(archive)
	h.renderer.polls = []pollResult{{status: model.JobStatusCompleted}}

	_, err := h.svc.Generate(context.Background(), "req_42", presetRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, []byte("RIFF-recording"), archive.put["recordings/req_42.wav"])
	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/recordings/req_42.wav", job.RecordingURL)
}

func TestGenerate_ArchiveFailureIsIgnored(t *testing.T) {
	archive := newFakeArchive()
	archive.err = errors.New("bucket unavailable")
	h := newHarness(archive)
	h.renderer.polls = []pollResult{{status: model.JobStatusCompleted}}

	_, err := h.svc.Generate(context.Background(), "req_1", presetRequest(), nil)
	require.NoError(t, err)

	job, err := h.store.GetByID(context.Background(), "vid_test")
	require.NoError(t, err)
	assert.Empty(t, job.RecordingURL)
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	t.Run("processing job is polled to completion", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, &model.RenderJob{ID: "vid_r", Status: model.JobStatusProcessing, CreatedAt: testStart.Add(-time.Minute)}))
		h.renderer.polls = []pollResult{{err: errNetwork}, {status: model.JobStatusCompleted}}
		events := &eventRecorder{}

		video, err := h.svc.Resume(ctx, "vid_r", events)
		require.NoError(t, err)
		assert.Equal(t, "https://videos.example.com/vid_r.mp4", video.URL)
		assert.Equal(t, []string{model.StagePollRetry, model.StageCompleted}, events.stages())
		assert.Equal(t, int64(63000), events.events[1].ElapsedMs)

		job, err := h.store.GetByID(ctx, "vid_r")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
	})

	t.Run("completed job returns from history", func(t *testing.T) {
		h := newHarness(nil)
		url := "https://videos.example.com/done.mp4"
		require.NoError(t, h.store.Create(ctx, &model.RenderJob{ID: "done", Status: model.JobStatusCompleted, CreatedAt: testStart, ResultURL: &url}))

		video, err := h.svc.Resume(ctx, "done", nil)
		require.NoError(t, err)
		assert.Equal(t, url, video.URL)
		assert.Zero(t, h.renderer.pollCalls)
	})

	t.Run("failed job returns render failure", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, &model.RenderJob{ID: "bad", Status: model.JobStatusFailed, CreatedAt: testStart}))

		_, err := h.svc.Resume(ctx, "bad", nil)
		var rerr *RenderFailedError
		assert.ErrorAs(t, err, &rerr)
		assert.Zero(t, h.renderer.pollCalls)
	})

	t.Run("missing job", func(t *testing.T) {
		h := newHarness(nil)
		_, err := h.svc.Resume(ctx, "ghost", nil)
		var nf *store.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	processing := func() *model.RenderJob {
		return &model.RenderJob{ID: "vid_f", Status: model.JobStatusProcessing, CreatedAt: testStart}
	}

	t.Run("completed", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, processing()))
		h.renderer.waitURL = "https://videos.example.com/vid_f.mp4"

		job, err := h.svc.Refresh(ctx, "vid_f")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, "https://videos.example.com/vid_f.mp4", *job.ResultURL)
		assert.Nil(t, job.ThumbnailURL)
	})

	t.Run("failed", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, processing()))
		h.renderer.waitErr = client.ErrRenderFailed

		job, err := h.svc.Refresh(ctx, "vid_f")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, job.Status)
	})

	t.Run("still processing after ceiling", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, processing()))
		h.renderer.waitErr = &client.TimeoutError{VideoID: "vid_f", Attempts: 2}

		job, err := h.svc.Refresh(ctx, "vid_f")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, job.Status)
		assert.Empty(t, h.store.updates)
	})

	t.Run("terminal record is not refreshed", func(t *testing.T) {
		h := newHarness(nil)
		job := processing()
		job.Status = model.JobStatusFailed
		require.NoError(t, h.store.Create(ctx, job))

		got, err := h.svc.Refresh(ctx, "vid_f")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Zero(t, h.renderer.waitCalls)
	})

	t.Run("record finished meanwhile keeps its result", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, processing()))
		h.renderer.waitErr = client.ErrRenderFailed
		h.renderer.beforeWait = func() {
			// a running generation completes the record while refresh waits
			require.NoError(t, h.store.Store.Update(ctx, "vid_f", completedUpdate(&client.RenderStatus{
				VideoURL: "https://videos.example.com/vid_f.mp4",
			})))
		}

		job, err := h.svc.Refresh(ctx, "vid_f")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, "https://videos.example.com/vid_f.mp4", *job.ResultURL)
	})

	t.Run("provider error surfaces", func(t *testing.T) {
		h := newHarness(nil)
		require.NoError(t, h.store.Create(ctx, processing()))
		h.renderer.waitErr = &client.ProviderError{Provider: "heygen", HTTPStatus: 401, Message: "unauthorized"}

		_, err := h.svc.Refresh(ctx, "vid_f")
		var perr *client.ProviderError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("missing", func(t *testing.T) {
		h := newHarness(nil)
		_, err := h.svc.Refresh(ctx, "ghost")
		var nf *store.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}
