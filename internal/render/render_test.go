// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonnyreeves/lap-time-overlay/internal/encoder"
	"github.com/jonnyreeves/lap-time-overlay/internal/hardware"
	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
	"github.com/jonnyreeves/lap-time-overlay/internal/platform/paths"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTranscoder writes a placeholder to the last argument and records each call.
type fakeTranscoder struct {
	mu       sync.Mutex
	calls    [][]string
	chapters []string
	failIf   func(args []string) error
}

func (f *fakeTranscoder) Run(_ context.Context, args []string, _ time.Duration, onProgress func(float64)) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	for i, a := range args {
		if a == "-i" && strings.HasSuffix(args[i+1], chaptersName) {
			data, err := os.ReadFile(args[i+1])
			if err == nil {
				f.chapters = append(f.chapters, string(data))
			}
		}
	}
	failIf := f.failIf
	f.mu.Unlock()

	if failIf != nil {
		if err := failIf(args); err != nil {
			return err
		}
	}
	if onProgress != nil {
		onProgress(0.5)
		onProgress(1.7)
	}
	return os.WriteFile(args[len(args)-1], []byte("rendered"), 0o600)
}

func (f *fakeTranscoder) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type fakeProber struct {
	durationMs int64
}

func (p fakeProber) Probe(_ context.Context, path string) (ffmpeg.MediaInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return ffmpeg.MediaInfo{}, err
	}
	d := p.durationMs
	if d == 0 {
		d = 200_000
	}
	return ffmpeg.MediaInfo{SizeBytes: st.Size(), DurationMs: d, FPS: 30, Width: 1920, Height: 1080}, nil
}

type fakeProjector struct {
	mu        sync.Mutex
	refreshed []string
	err       error
}

func (p *fakeProjector) Refresh(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, sessionID)
	return p.err
}

func (p *fakeProjector) Remove(context.Context, string) error { return nil }

func vaapiProbe(context.Context) hardware.Result {
	return hardware.Result{
		Available: true,
		Backend:   hardware.BackendVAAPI,
		Devices:   hardware.Devices{RenderReadable: true, DRIAvailable: true},
		Encoders:  map[string]bool{"h264_vaapi": true},
	}
}

type fixture struct {
	svc       *Service
	store     *recordings.MemoryStore
	tr        *fakeTranscoder
	hw        *hardware.Service
	projector *fakeProjector
	layout    paths.Layout
	source    recordings.Recording
}

func newFixture(t *testing.T, tr *fakeTranscoder) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	layout := paths.Layout{
		MediaRoot:   filepath.Join(dir, "media"),
		UploadRoot:  filepath.Join(dir, "uploads"),
		RenderRoot:  filepath.Join(dir, "render"),
		PreviewRoot: filepath.Join(dir, "previews"),
	}
	require.NoError(t, layout.Ensure())

	store := recordings.NewMemoryStore()
	require.NoError(t, store.PutSession(ctx, recordings.Session{ID: "sess", UserID: "u1"}))
	require.NoError(t, store.PutLaps(ctx, "sess", []overlay.LapRecord{
		{ID: "l1", Number: 1, DurationSeconds: 60},
		{ID: "l2", Number: 2, DurationSeconds: 62},
		{ID: "l3", Number: 3, DurationSeconds: 61},
	}, nil))

	mediaID := layout.MediaID("sess", "rec")
	mediaPath, err := layout.MediaPath(mediaID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(mediaPath), 0o750))
	require.NoError(t, os.WriteFile(mediaPath, []byte("original"), 0o600))

	src, err := store.CreateRecording(ctx, recordings.Recording{
		ID:                  "rec",
		SessionID:           "sess",
		UserID:              "u1",
		Description:         "Morning",
		Status:              recordings.StatusReady,
		MediaID:             mediaID,
		DurationMs:          recordings.Ptr(int64(200_000)),
		CombineProgress:     1,
		IsPrimary:           true,
		LapOneOffsetSeconds: 5,
	}, nil)
	require.NoError(t, err)

	hw := hardware.NewService(vaapiProbe, resilience.NewCircuitBreaker(2, 10*time.Minute))
	projector := &fakeProjector{}
	svc := NewService(store, tr, fakeProber{}, hw, projector, Config{
		Layout:         layout,
		Encoder:        encoder.Settings{Codec: "h264", Preset: "veryfast", CRF: 20, VaapiDevice: "/dev/dri/renderD128"},
		PreferHardware: true,
	})
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: store, tr: tr, hw: hw, projector: projector, layout: layout, source: src}
}

func (f *fixture) sessionRecordings(t *testing.T) []recordings.Recording {
	t.Helper()
	recs, err := f.store.ListRecordingsBySession(context.Background(), "sess")
	require.NoError(t, err)
	return recs
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestClampOffset(t *testing.T) {
	tests := []struct {
		name           string
		offset, lapDur float64
		want           float64
	}{
		{"inside", 10, 60, 10},
		{"negative", -3, 60, 0},
		{"past end", 90, 60, 59.95},
		{"exact end", 60, 60, 59.95},
		{"lap shorter than margin", 1, 0.03, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ClampOffset(tt.offset, tt.lapDur), 1e-9)
		})
	}
}

func TestPreviewRendersThenReusesFrame(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)
	req := PreviewRequest{RecordingID: "rec", LapID: "l2", UserID: "u1", OffsetSeconds: 100}

	res, err := f.svc.Preview(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.InDelta(t, 61.95, res.UsedOffsetSeconds, 1e-9)
	assert.InDelta(t, 5+60+61.95, res.TimestampSeconds, 1e-9)
	assert.FileExists(t, res.Path)
	assert.Equal(t, f.layout.PreviewDir("rec"), filepath.Dir(res.Path))

	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ffmpeg.FormatSeconds(res.TimestampSeconds), argAfter(calls[0], "-ss"))
	assert.Contains(t, calls[0], "-copyts")

	again, err := f.svc.Preview(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, res.Path, again.Path)
	assert.Len(t, tr.Calls(), 1, "cached frame must not re-render")

	styled := req
	styled.Style = overlay.Overrides{TextColor: recordings.Ptr("#ff0000")}
	other, err := f.svc.Preview(context.Background(), styled)
	require.NoError(t, err)
	assert.NotEqual(t, res.Path, other.Path)
	assert.Len(t, tr.Calls(), 2)
}

func TestPreviewRejections(t *testing.T) {
	tests := []struct {
		name string
		req  PreviewRequest
		kind recordings.Kind
	}{
		{"no user", PreviewRequest{RecordingID: "rec", LapID: "l1"}, recordings.KindUnauthenticated},
		{"other user", PreviewRequest{RecordingID: "rec", LapID: "l1", UserID: "u2"}, recordings.KindForbidden},
		{"unknown recording", PreviewRequest{RecordingID: "nope", LapID: "l1", UserID: "u1"}, recordings.KindNotFound},
		{"unknown lap", PreviewRequest{RecordingID: "rec", LapID: "l9", UserID: "u1"}, recordings.KindNotFound},
		{"bad color", PreviewRequest{RecordingID: "rec", LapID: "l1", UserID: "u1",
			Style: overlay.Overrides{TextColor: recordings.Ptr("not-a-color")}}, recordings.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTranscoder{}
			f := newFixture(t, tr)
			_, err := f.svc.Preview(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, recordings.KindOf(err))
			assert.Empty(t, tr.Calls())
		})
	}
}

func TestPreviewRejectsTimestampPastMediaEnd(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)
	_, err := f.store.CreateRecording(context.Background(), recordings.Recording{
		ID: "short", SessionID: "sess", UserID: "u1", Status: recordings.StatusReady,
		MediaID: "sess/rec.mp4", DurationMs: recordings.Ptr(int64(100_000)), LapOneOffsetSeconds: 5,
	}, nil)
	require.NoError(t, err)

	_, err = f.svc.Preview(context.Background(), PreviewRequest{RecordingID: "short", LapID: "l3", UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, recordings.ErrValidation)
	assert.Empty(t, tr.Calls())
}

func TestPreviewProbesDurationWhenUnknown(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)
	f.svc.prober = fakeProber{durationMs: 10_000}
	_, err := f.store.CreateRecording(context.Background(), recordings.Recording{
		ID: "unprobed", SessionID: "sess", UserID: "u1", Status: recordings.StatusReady,
		MediaID: f.source.MediaID, LapOneOffsetSeconds: 5,
	}, nil)
	require.NoError(t, err)

	_, err = f.svc.Preview(context.Background(), PreviewRequest{RecordingID: "unprobed", LapID: "l3", UserID: "u1", OffsetSeconds: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, recordings.ErrValidation)
	assert.Empty(t, tr.Calls())

	res, err := f.svc.Preview(context.Background(), PreviewRequest{RecordingID: "unprobed", LapID: "l1", UserID: "u1", OffsetSeconds: 1})
	require.NoError(t, err)
	assert.InDelta(t, 6.0, res.TimestampSeconds, 1e-9)
	assert.Len(t, tr.Calls(), 1)
}

func TestBurnFallsBackToSoftware(t *testing.T) {
	tr := &fakeTranscoder{failIf: func(args []string) error {
		if slices.Contains(args, "-vaapi_device") {
			return errors.New("vaapi: failed to initialise")
		}
		return nil
	}}
	f := newFixture(t, tr)
	f.projector.err = errors.New("redis down")

	got, err := f.svc.Burn(context.Background(), BurnRequest{RecordingID: "rec", UserID: "u1", Chapters: true})
	require.NoError(t, err, "projection failure must not fail the burn")

	assert.Equal(t, recordings.StatusReady, got.Status)
	assert.True(t, got.OverlayBurned)
	assert.False(t, got.IsPrimary)
	assert.Equal(t, "Morning (overlay)", got.Description)
	assert.InDelta(t, 1.0, got.CombineProgress, 1e-9)
	assert.Equal(t, f.layout.MediaID("sess", got.ID), got.MediaID)
	mediaPath, err := f.layout.MediaPath(got.MediaID)
	require.NoError(t, err)
	assert.FileExists(t, mediaPath)
	assert.NoDirExists(t, f.layout.RenderDir(got.ID))

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "h264_vaapi")
	assert.Contains(t, calls[1], "libx264")
	assert.Equal(t, 1, f.hw.Breaker().ConsecutiveFailures)

	src, err := f.store.GetRecording(context.Background(), "rec")
	require.NoError(t, err)
	if diff := cmp.Diff(f.source, src); diff != "" {
		t.Fatalf("source recording changed (-want +got):\n%s", diff)
	}

	require.Len(t, tr.chapters, 2)
	assert.Contains(t, tr.chapters[0], "[CHAPTER]\nTIMEBASE=1/1000\nSTART=5000\nEND=65000\ntitle=Lap 1\n")
	assert.Equal(t, []string{"sess"}, f.projector.refreshed)
}

// progressStore records progress-only patches.
type progressStore struct {
	recordings.Store
	mu       sync.Mutex
	progress []float64
}

func (p *progressStore) UpdateRecording(ctx context.Context, id string, patch recordings.RecordingPatch) (recordings.Recording, error) {
	if patch.Status == nil && patch.CombineProgress != nil {
		p.mu.Lock()
		p.progress = append(p.progress, *patch.CombineProgress)
		p.mu.Unlock()
	}
	return p.Store.UpdateRecording(ctx, id, patch)
}

func TestBurnThrottlesProgressWrites(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)
	ps := &progressStore{Store: f.store}
	f.svc.store = ps

	_, err := f.svc.Burn(context.Background(), BurnRequest{RecordingID: "rec", UserID: "u1", PreferHardware: recordings.Ptr(false)})
	require.NoError(t, err)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, []float64{0.5}, ps.progress)
}

func TestBurnRejectsWithoutSideEffects(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)
	_, err := f.store.UpdateRecording(context.Background(), "rec", recordings.RecordingPatch{OverlayBurned: recordings.Ptr(true)})
	require.NoError(t, err)

	_, err = f.svc.Burn(context.Background(), BurnRequest{RecordingID: "rec", UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, recordings.KindValidation, recordings.KindOf(err))
	assert.Len(t, f.sessionRecordings(t), 1)
	assert.Empty(t, tr.Calls())

	entries, err := os.ReadDir(f.layout.RenderRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBurnRejectsLapsWithoutDuration(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)
	require.NoError(t, f.store.PutLaps(context.Background(), "sess", []overlay.LapRecord{
		{ID: "l1", Number: 1, DurationSeconds: 60},
		{ID: "l2", Number: 2, DurationSeconds: 0},
	}, nil))

	_, err := f.svc.Burn(context.Background(), BurnRequest{RecordingID: "rec", UserID: "u1"})
	require.ErrorIs(t, err, recordings.ErrValidation)
	assert.Len(t, f.sessionRecordings(t), 1)
}

func TestBurnFailureMarksTargetFailed(t *testing.T) {
	tr := &fakeTranscoder{failIf: func([]string) error { return errors.New("encoder exploded") }}
	f := newFixture(t, tr)

	got, err := f.svc.Burn(context.Background(), BurnRequest{RecordingID: "rec", UserID: "u1", PreferHardware: recordings.Ptr(false)})
	require.Error(t, err)
	assert.Equal(t, recordings.KindUpstreamProcess, recordings.KindOf(err))
	assert.Equal(t, recordings.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "encoder exploded")
	assert.NoDirExists(t, f.layout.RenderDir(got.ID))

	calls := tr.Calls()
	require.Len(t, calls, 1, "software-only burn makes a single attempt")
	assert.NotContains(t, calls[0], "-vaapi_device")
	assert.Equal(t, 0, f.hw.Breaker().ConsecutiveFailures)

	src, err := f.store.GetRecording(context.Background(), "rec")
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusReady, src.Status)
	assert.False(t, src.OverlayBurned)
}

func TestStartBurnRunsInBackground(t *testing.T) {
	tr := &fakeTranscoder{}
	f := newFixture(t, tr)

	started, err := f.svc.StartBurn(context.Background(), BurnRequest{RecordingID: "rec", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusCombining, started.Status)

	require.Eventually(t, func() bool {
		rec, err := f.store.GetRecording(context.Background(), started.ID)
		return err == nil && rec.Status == recordings.StatusReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBurnArgs(t *testing.T) {
	plan := encoder.Plan{
		Backend:    hardware.BackendVAAPI,
		IsHardware: true,
		Encoder:    "h264_vaapi",
		InputArgs:  []string{"-vaapi_device", "/dev/dri/renderD128"},
		OutputArgs: []string{"-c:v", "h264_vaapi", "-global_quality", "20"},
		Transform:  encoder.TransformVAAPIUpload,
	}
	g := overlay.Graph{FilterGraph: "[0:v]null[v0]", OutputLabel: "v0"}
	args := BurnArgs(plan, "/media/in.mp4", "/render/chapters.txt", g, "/render/out.mp4")

	want := []string{
		"-vaapi_device", "/dev/dri/renderD128",
		"-i", "/media/in.mp4",
		"-i", "/render/chapters.txt", "-map_metadata", "1", "-map_chapters", "1",
		"-filter_complex", plan.ApplyTransform(g.FilterGraph, g.OutputLabel),
		"-map", "[v0]",
		"-map", "0:a?",
		"-c:v", "h264_vaapi", "-global_quality", "20",
		"-c:a", "copy", "-movflags", "+faststart", "-y", "/render/out.mp4",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Fatalf("burn args mismatch (-want +got):\n%s", diff)
	}

	noChapters := BurnArgs(encoder.SoftwarePlan(encoder.Settings{Codec: "h264", Preset: "fast", CRF: 23}), "in.mp4", "", g, "out.mp4")
	assert.NotContains(t, noChapters, "-map_chapters")
	assert.Equal(t, "[0:v]null[v0]", argAfter(noChapters, "-filter_complex"))
}

func TestChapterMetadata(t *testing.T) {
	got := string(ChapterMetadata([]overlay.Chapter{
		{Title: "Lap 1", StartMs: 0, EndMs: 61500},
		{Title: "Pit; in=#2", StartMs: 61500, EndMs: 120000},
	}))
	want := ";FFMETADATA1\n" +
		"\n[CHAPTER]\nTIMEBASE=1/1000\nSTART=0\nEND=61500\ntitle=Lap 1\n" +
		"\n[CHAPTER]\nTIMEBASE=1/1000\nSTART=61500\nEND=120000\ntitle=Pit\\; in\\=\\#2\n"
	assert.Equal(t, want, got)
}
