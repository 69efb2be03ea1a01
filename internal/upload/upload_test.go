// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	"github.com/jonnyreeves/lap-time-overlay/internal/platform/paths"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTranscoder concatenates the manifest's files into the output path.
type fakeTranscoder struct {
	mu       sync.Mutex
	calls    int
	progress []float64
	fail     error
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeTranscoder) Run(ctx context.Context, args []string, _ time.Duration, onProgress func(float64)) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, p := range f.progress {
		onProgress(p)
	}

	var manifest string
	for i, a := range args {
		if a == "-i" {
			manifest = args[i+1]
		}
	}
	out := args[len(args)-1]
	var buf bytes.Buffer
	mf, err := os.Open(manifest)
	if err != nil {
		return err
	}
	defer func() { _ = mf.Close() }()
	sc := bufio.NewScanner(mf)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "file '") {
			continue
		}
		data, err := os.ReadFile(strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'"))
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return f.fail
}

func (f *fakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProber reports one millisecond of duration per byte.
type fakeProber struct{}

func (fakeProber) Probe(_ context.Context, path string) (ffmpeg.MediaInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return ffmpeg.MediaInfo{}, err
	}
	return ffmpeg.MediaInfo{SizeBytes: st.Size(), DurationMs: st.Size(), FPS: 30}, nil
}

type fakeProjector struct {
	mu        sync.Mutex
	refreshed []string
	removed   []string
	err       error
}

func (p *fakeProjector) Refresh(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, sessionID)
	return p.err
}

func (p *fakeProjector) Remove(_ context.Context, recordingID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, recordingID)
	return p.err
}

// countingStore records persisted progress values and uploadedBytes writes.
// failReady makes the transition to ready fail.
type countingStore struct {
	recordings.Store
	mu             sync.Mutex
	uploadedWrites int
	progress       []float64
	failReady      error
}

func (c *countingStore) UpdateSource(ctx context.Context, id string, p recordings.SourcePatch) (recordings.Source, error) {
	if p.UploadedBytes != nil {
		c.mu.Lock()
		c.uploadedWrites++
		c.mu.Unlock()
	}
	return c.Store.UpdateSource(ctx, id, p)
}

func (c *countingStore) UpdateRecording(ctx context.Context, id string, p recordings.RecordingPatch) (recordings.Recording, error) {
	if c.failReady != nil && p.Status != nil && *p.Status == recordings.StatusReady {
		return recordings.Recording{}, c.failReady
	}
	r, err := c.Store.UpdateRecording(ctx, id, p)
	if err == nil && p.CombineProgress != nil {
		c.mu.Lock()
		c.progress = append(c.progress, r.CombineProgress)
		c.mu.Unlock()
	}
	return r, err
}

type fixture struct {
	svc       *Service
	store     *countingStore
	tr        *fakeTranscoder
	projector *fakeProjector
	layout    paths.Layout
}

func newFixture(t *testing.T, tr *fakeTranscoder) *fixture {
	t.Helper()
	dir := t.TempDir()
	layout := paths.Layout{
		MediaRoot:   filepath.Join(dir, "media"),
		UploadRoot:  filepath.Join(dir, "uploads"),
		RenderRoot:  filepath.Join(dir, "render"),
		PreviewRoot: filepath.Join(dir, "previews"),
	}
	require.NoError(t, layout.Ensure())

	store := &countingStore{Store: recordings.NewMemoryStore()}
	require.NoError(t, store.PutSession(context.Background(), recordings.Session{ID: "sess", UserID: "u1"}))
	projector := &fakeProjector{}
	svc := NewService(store, tr, fakeProber{}, projector, Config{Layout: layout, ProgressRate: rate.Inf})
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: store, tr: tr, projector: projector, layout: layout}
}

func (f *fixture) start(t *testing.T, names ...string) *Plan {
	t.Helper()
	req := StartRequest{SessionID: "sess", UserID: "u1", Description: "Morning"}
	for _, n := range names {
		req.Sources = append(req.Sources, PlannedSource{FileName: n})
	}
	plan, err := f.svc.StartUploadSession(context.Background(), req)
	require.NoError(t, err)
	return plan
}

func (f *fixture) upload(t *testing.T, u SourceUpload, body string) *AcceptResult {
	t.Helper()
	res, err := f.svc.AcceptUpload(context.Background(), u.SourceID, u.Token, "u1", strings.NewReader(body))
	require.NoError(t, err)
	return res
}

func TestStartUploadSessionValidation(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	one := []PlannedSource{{FileName: "a.mp4"}}

	tests := []struct {
		name string
		req  StartRequest
		kind recordings.Kind
	}{
		{"no sources", StartRequest{SessionID: "sess", UserID: "u1"}, recordings.KindValidation},
		{"negative offset", StartRequest{SessionID: "sess", UserID: "u1", LapOneOffsetSeconds: -1, Sources: one}, recordings.KindValidation},
		{"blank name", StartRequest{SessionID: "sess", UserID: "u1", Sources: []PlannedSource{{FileName: "  "}}}, recordings.KindValidation},
		{"no user", StartRequest{SessionID: "sess", Sources: one}, recordings.KindUnauthenticated},
		{"unknown session", StartRequest{SessionID: "nope", UserID: "u1", Sources: one}, recordings.KindNotFound},
		{"foreign session", StartRequest{SessionID: "sess", UserID: "u2", Sources: one}, recordings.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.StartUploadSession(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, recordings.KindOf(err))
		})
	}
	recs, err := f.store.ListRecordingsBySession(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStartUploadSessionPlansSources(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	plan := f.start(t, "a.mp4", "../b.mp4")

	assert.Equal(t, recordings.StatusPendingUpload, plan.Recording.Status)
	assert.True(t, plan.Recording.IsPrimary)
	require.Len(t, plan.Uploads, 2)
	assert.Equal(t, 1, plan.Uploads[0].Ordinal)
	assert.Equal(t, 2, plan.Uploads[1].Ordinal)
	assert.NotEqual(t, plan.Uploads[0].Token, plan.Uploads[1].Token)
	assert.Equal(t, "/api/uploads?sourceId="+plan.Uploads[0].SourceID+"&token="+plan.Uploads[0].Token, plan.Uploads[0].UploadURL)

	src, err := f.store.GetSource(context.Background(), plan.Uploads[1].SourceID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.layout.UploadRoot, "sess", plan.Recording.ID, "2-b.mp4"), src.StoragePath)

	second := f.start(t, "c.mp4")
	assert.False(t, second.Recording.IsPrimary)
}

func TestUploadTwoSourcesCombinesInOrder(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	plan := f.start(t, "a.mp4", "b.mp4")
	id := plan.Recording.ID

	res := f.upload(t, plan.Uploads[0], "AAAA")
	assert.Equal(t, recordings.StatusUploading, res.RecordingStatus)
	assert.False(t, res.Combined)
	_, sources, err := f.svc.Status(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, recordings.SourceUploaded, sources[0].Status)
	assert.Equal(t, recordings.SourcePending, sources[1].Status)

	res = f.upload(t, plan.Uploads[1], "BBBBBB")
	assert.True(t, res.Combined)
	assert.Equal(t, recordings.StatusReady, res.RecordingStatus)

	rec, sources, err := f.svc.Status(ctx, id, "u1")
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.Equal(t, "sess/"+id+".mp4", rec.MediaID)
	assert.Equal(t, 1.0, rec.CombineProgress)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, int64(10), *rec.DurationMs)
	require.NotNil(t, rec.SizeBytes)
	assert.Equal(t, int64(10), *rec.SizeBytes)

	data, err := os.ReadFile(filepath.Join(f.layout.MediaRoot, "sess", id+".mp4"))
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBBBB", string(data))
	assert.NoDirExists(t, f.layout.StagingDir("sess", id))
	assert.Equal(t, []string{"sess"}, f.projector.refreshed)
	assert.Equal(t, 1, f.tr.Calls())
}

func TestAcceptUploadRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	plan := f.start(t, "a.mp4")
	u := plan.Uploads[0]

	_, err := f.svc.AcceptUpload(ctx, u.SourceID, "", "u1", strings.NewReader("x"))
	assert.Equal(t, recordings.KindUnauthenticated, recordings.KindOf(err))
	_, err = f.svc.AcceptUpload(ctx, u.SourceID, "wrong", "u1", strings.NewReader("x"))
	assert.Equal(t, recordings.KindForbidden, recordings.KindOf(err))
	_, err = f.svc.AcceptUpload(ctx, u.SourceID, u.Token, "u2", strings.NewReader("x"))
	assert.Equal(t, recordings.KindForbidden, recordings.KindOf(err))
	_, err = f.svc.AcceptUpload(ctx, "missing", u.Token, "u1", strings.NewReader("x"))
	assert.Equal(t, recordings.KindNotFound, recordings.KindOf(err))

	rec, sources, err := f.svc.Status(ctx, plan.Recording.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusPendingUpload, rec.Status)
	assert.Equal(t, recordings.SourcePending, sources[0].Status)
	assert.NoFileExists(t, sources[0].StoragePath)
}

func TestAcceptUploadFlushCadence(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	plan := f.start(t, "a.mp4")
	u := plan.Uploads[0]

	body := bytes.Repeat([]byte{'x'}, 4*defaultFlushEvery+100)
	res, err := f.svc.AcceptUpload(context.Background(), u.SourceID, u.Token, "u1", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), res.UploadedBytes)

	// reset + one per 512 KiB + final
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Equal(t, 1+4+1, f.store.uploadedWrites)
}

type failingReader struct {
	data []byte
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestAcceptUploadStreamFailureThenResume(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	plan := f.start(t, "a.mp4", "b.mp4")
	id := plan.Recording.ID
	f.upload(t, plan.Uploads[0], "AAAA")

	u := plan.Uploads[1]
	_, err := f.svc.AcceptUpload(ctx, u.SourceID, u.Token, "u1", &failingReader{data: []byte("BB")})
	require.Error(t, err)

	rec, sources, err := f.svc.Status(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusFailed, rec.Status)
	assert.Equal(t, "upload failed", rec.Error)
	assert.Equal(t, recordings.SourceFailed, sources[1].Status)
	assert.Equal(t, int64(2), sources[1].UploadedBytes)

	resumed, err := f.svc.Resume(ctx, id, "u1")
	require.NoError(t, err)
	require.Len(t, resumed.Uploads, 1, "uploaded sources are not re-issued")
	assert.Equal(t, 2, resumed.Uploads[0].Ordinal)
	assert.NotEqual(t, u.Token, resumed.Uploads[0].Token)

	_, err = f.svc.AcceptUpload(ctx, u.SourceID, u.Token, "u1", strings.NewReader("BBBBBB"))
	assert.Equal(t, recordings.KindForbidden, recordings.KindOf(err), "old token is revoked")

	res := f.upload(t, resumed.Uploads[0], "BBBBBB")
	assert.Equal(t, recordings.StatusReady, res.RecordingStatus)
	data, err := os.ReadFile(filepath.Join(f.layout.MediaRoot, "sess", id+".mp4"))
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBBBB", string(data))
}

func TestAcceptUploadRejectsReadyRecording(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	plan := f.start(t, "a.mp4")
	f.upload(t, plan.Uploads[0], "AAAA")

	_, err := f.svc.AcceptUpload(context.Background(), plan.Uploads[0].SourceID, plan.Uploads[0].Token, "u1", strings.NewReader("x"))
	require.Error(t, err)
}

// seedUploaded creates a recording whose sources are already on disk.
func seedUploaded(t *testing.T, f *fixture, contents ...string) string {
	t.Helper()
	ctx := context.Background()
	rec := recordings.Recording{ID: "rec-1", SessionID: "sess", UserID: "u1", Status: recordings.StatusUploading}
	var sources []recordings.Source
	for i, c := range contents {
		p := f.layout.StagingPath("sess", rec.ID, i+1, "part.mp4")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(c), 0o600))
		sources = append(sources, recordings.Source{
			ID: rec.ID + "-src-" + string(rune('a'+i)), Ordinal: i + 1, FileName: "part.mp4",
			Status: recordings.SourceUploaded, UploadToken: "tok", StoragePath: p,
		})
	}
	_, err := f.store.CreateRecording(ctx, rec, sources)
	require.NoError(t, err)
	return rec.ID
}

func TestCombineDeduplicatesConcurrentTriggers(t *testing.T) {
	tr := &fakeTranscoder{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, tr)
	id := seedUploaded(t, f, "AA", "BB")

	first := make(chan error, 1)
	go func() { first <- f.svc.Combine(context.Background(), id) }()
	<-tr.started

	rec, err := f.store.GetRecording(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusCombining, rec.Status)

	// A second trigger joins the running combine; it gives up waiting but
	// must not start another run.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.svc.Combine(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(tr.release)
	require.NoError(t, <-first)
	require.NoError(t, f.svc.Combine(context.Background(), id), "combining a ready recording is a no-op")
	assert.Equal(t, 1, tr.Calls())
}

func TestCombineFailureCleansUpAndAllowsResume(t *testing.T) {
	tr := &fakeTranscoder{fail: &ffmpeg.ExitError{Kind: ffmpeg.ExitCode, Code: 1}}
	f := newFixture(t, tr)
	ctx := context.Background()
	id := seedUploaded(t, f, "AA", "BB")

	err := f.svc.Combine(ctx, id)
	require.Error(t, err)
	assert.Equal(t, recordings.KindUpstreamProcess, recordings.KindOf(err))

	rec, sources, err := f.svc.Status(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "exited with code 1")
	assert.NoDirExists(t, f.layout.StagingDir("sess", id))
	entries, err := os.ReadDir(filepath.Join(f.layout.MediaRoot, "sess"))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial output removed")
	for _, s := range sources {
		assert.Equal(t, recordings.SourcePending, s.Status)
	}

	plan, err := f.svc.Resume(ctx, id, "u1")
	require.NoError(t, err)
	assert.Len(t, plan.Uploads, 2)
}

func TestCombineReadyWriteFailureCleansUp(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	f.store.failReady = errors.New("database is locked")
	ctx := context.Background()
	id := seedUploaded(t, f, "AA", "BB")

	err := f.svc.Combine(ctx, id)
	require.Error(t, err)

	rec, sources, err := f.svc.Status(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "database is locked")
	assert.NoDirExists(t, f.layout.StagingDir("sess", id))
	entries, err := os.ReadDir(filepath.Join(f.layout.MediaRoot, "sess"))
	require.NoError(t, err)
	assert.Empty(t, entries, "placed media file removed")
	for _, s := range sources {
		assert.Equal(t, recordings.SourcePending, s.Status)
	}

	f.store.failReady = nil
	plan, err := f.svc.Resume(ctx, id, "u1")
	require.NoError(t, err)
	assert.Len(t, plan.Uploads, 2)
}

func TestCombineRequiresEverySourceUploaded(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	plan := f.start(t, "a.mp4", "b.mp4")
	f.upload(t, plan.Uploads[0], "AAAA")

	err := f.svc.Combine(ctx, plan.Recording.ID)
	assert.Equal(t, recordings.KindValidation, recordings.KindOf(err))
	rec, err := f.store.GetRecording(ctx, plan.Recording.ID)
	require.NoError(t, err)
	assert.Equal(t, recordings.StatusUploading, rec.Status)
	assert.Zero(t, f.tr.Calls())
}

func TestCombineProgressClamped(t *testing.T) {
	tr := &fakeTranscoder{progress: []float64{-0.5, 0.3, 1.7}}
	f := newFixture(t, tr)
	id := seedUploaded(t, f, "AA")
	require.NoError(t, f.svc.Combine(context.Background(), id))

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.NotEmpty(t, f.store.progress)
	for _, p := range f.store.progress {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestDeleteRecording(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	plan := f.start(t, "a.mp4")
	f.upload(t, plan.Uploads[0], "AAAA")
	id := plan.Recording.ID
	media := filepath.Join(f.layout.MediaRoot, "sess", id+".mp4")
	require.FileExists(t, media)

	ok, err := f.svc.DeleteRecording(ctx, "missing", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.DeleteRecording(ctx, id, "u2")
	assert.Equal(t, recordings.KindForbidden, recordings.KindOf(err))
	assert.FileExists(t, media)

	f.projector.err = errors.New("redis down")
	ok, err = f.svc.DeleteRecording(ctx, id, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, media)
	assert.Equal(t, []string{id}, f.projector.removed)
	_, err = f.store.GetRecording(ctx, id)
	assert.ErrorIs(t, err, recordings.ErrNotFound)
}

func TestSetPrimary(t *testing.T) {
	f := newFixture(t, &fakeTranscoder{})
	ctx := context.Background()
	first := f.start(t, "a.mp4")
	second := f.start(t, "b.mp4")

	require.NoError(t, f.svc.SetPrimary(ctx, second.Recording.ID, "u1"))
	a, err := f.store.GetRecording(ctx, first.Recording.ID)
	require.NoError(t, err)
	b, err := f.store.GetRecording(ctx, second.Recording.ID)
	require.NoError(t, err)
	assert.False(t, a.IsPrimary)
	assert.True(t, b.IsPrimary)

	err = f.svc.SetPrimary(ctx, first.Recording.ID, "u2")
	assert.Equal(t, recordings.KindForbidden, recordings.KindOf(err))
}

func TestFlushWriter(t *testing.T) {
	var flushed []int64
	fw := &flushWriter{w: io.Discard, every: 10, flush: func(n int64) error {
		flushed = append(flushed, n)
		return nil
	}}
	for i := 0; i < 5; i++ {
		_, err := fw.Write(make([]byte, 4))
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{12}, flushed)
	assert.Equal(t, int64(20), fw.n)
}
