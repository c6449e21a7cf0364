package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/recording-relay/internal/drivers"
	"github.com/FairForge/recording-relay/internal/forwarder"
	"github.com/FairForge/recording-relay/internal/graph"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// fakeDrive serves a fixed set of drive items.
type fakeDrive struct {
	items   []models.DriveItemable
	content map[string][]byte
	listErr error

	mu        sync.Mutex
	itemCalls int
}

func (f *fakeDrive) Root(ctx context.Context, driveID string) (models.DriveItemable, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	id := "root"
	root := models.NewDriveItem()
	root.SetId(&id)
	return root, nil
}

func (f *fakeDrive) Children(ctx context.Context, driveID, itemID string) ([]models.DriveItemable, error) {
	return f.items, nil
}

func (f *fakeDrive) Items(ctx context.Context, driveID string) ([]models.DriveItemable, error) {
	f.mu.Lock()
	f.itemCalls++
	f.mu.Unlock()
	return f.items, nil
}

func (f *fakeDrive) Content(ctx context.Context, driveID, itemID string) ([]byte, error) {
	return f.content[itemID], nil
}

func recording(id, name string, age time.Duration, audio bool) models.DriveItemable {
	created := testNow.Add(-age)
	item := models.NewDriveItem()
	item.SetId(&id)
	item.SetName(&name)
	item.SetCreatedDateTime(&created)
	if audio {
		item.SetAudio(models.NewAudio())
	}
	return item
}

// delivery is one multipart POST seen by the fake processing endpoint.
type delivery struct {
	filename    string
	contentType string
	body        string
}

type endpoint struct {
	mu         sync.Mutex
	deliveries []delivery
	statuses   []int // consumed per request; 200 once exhausted
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	e.mu.Lock()
	e.deliveries = append(e.deliveries, delivery{
		filename:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
		body:        string(data),
	})
	status := http.StatusOK
	if len(e.statuses) > 0 {
		status, e.statuses = e.statuses[0], e.statuses[1:]
	}
	e.mu.Unlock()
	w.WriteHeader(status)
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deliveries)
}

type harness struct {
	drive    *fakeDrive
	store    *drivers.LocalDriver
	endpoint *endpoint
	runner   *Runner
	metrics  *Metrics
}

func newHarness(t *testing.T, cfg Config, items ...models.DriveItemable) *harness {
	t.Helper()
	h := &harness{
		drive:    &fakeDrive{items: items, content: map[string][]byte{}},
		store:    drivers.NewLocalDriver(t.TempDir(), zap.NewNop()),
		endpoint: &endpoint{},
		metrics:  NewMetrics(),
	}
	for _, item := range items {
		h.drive.content[*item.GetId()] = []byte("audio-of-" + *item.GetId())
	}

	srv := httptest.NewServer(h.endpoint)
	t.Cleanup(srv.Close)

	fwd, err := forwarder.New(srv.URL)
	require.NoError(t, err)

	if cfg.DriveID == "" {
		cfg.DriveID = "drive"
	}
	if cfg.Container == "" {
		cfg.Container = "recordings"
	}
	if cfg.KeyTemplate == "" {
		cfg.KeyTemplate = "{date}/{id}-{name}"
	}

	h.runner, err = NewRunner(cfg,
		func(ctx context.Context) (graph.DriveAPI, error) { return h.drive, nil },
		h.store, fwd,
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	return h
}

func TestNewRunner_Validation(t *testing.T) {
	factory := func(ctx context.Context) (graph.DriveAPI, error) { return nil, nil }
	store := drivers.NewLocalDriver(t.TempDir(), nil)
	fwd, _ := forwarder.New("http://localhost")

	_, err := NewRunner(Config{Container: "c", KeyTemplate: "{id}"}, factory, store, fwd)
	assert.ErrorContains(t, err, "drive id")

	_, err = NewRunner(Config{DriveID: "d", KeyTemplate: "{id}"}, factory, store, fwd)
	assert.ErrorContains(t, err, "container")

	_, err = NewRunner(Config{DriveID: "d", Container: "c", KeyTemplate: "{oops}"}, factory, store, fwd)
	assert.ErrorContains(t, err, "unknown placeholder")

	_, err = NewRunner(Config{DriveID: "d", Container: "c", KeyTemplate: "{id}"}, nil, store, fwd)
	assert.Error(t, err)
}

func TestRun_ScenarioA_RecentAudioIsDelivered(t *testing.T) {
	h := newHarness(t, Config{}, recording("01A", "Standup.mp4", 3*time.Minute, true))

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Listed)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Copied)
	assert.Equal(t, 1, report.Forwarded)
	assert.Equal(t, []string{"2026-10-19/01A-Standup.mp4"}, report.Keys)

	require.Equal(t, 1, h.endpoint.count())
	d := h.endpoint.deliveries[0]
	assert.Equal(t, "01A-Standup.mp4", d.filename)
	assert.Equal(t, "audio/wav", d.contentType)
	assert.Equal(t, "audio-of-01A", d.body)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Forwarded))
}

func TestRun_StoredBytesEqualForwardedBytes(t *testing.T) {
	h := newHarness(t, Config{}, recording("01A", "a.mp4", time.Minute, true))
	h.drive.content["01A"] = []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0xff, 0x10}

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	rc, err := h.store.Get(context.Background(), "recordings", report.Keys[0])
	require.NoError(t, err)
	defer rc.Close()
	stored, _ := io.ReadAll(rc)

	assert.Equal(t, h.drive.content["01A"], stored)
	assert.Equal(t, string(stored), h.endpoint.deliveries[0].body)
}

func TestRun_ScenarioB_OldRecordingIsIgnored(t *testing.T) {
	h := newHarness(t, Config{}, recording("old", "old.mp4", 15*time.Minute, true))

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Matched)
	assert.Zero(t, h.endpoint.count())
	assert.Zero(t, h.drive.itemCalls, "no fetch for filtered items")
	keys, _ := h.store.List(context.Background(), "recordings", "")
	assert.Empty(t, keys)
}

func TestRun_ScenarioC_NoAudioIsIgnored(t *testing.T) {
	h := newHarness(t, Config{}, recording("mute", "notes.docx", 2*time.Minute, false))

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Matched)
	assert.Zero(t, h.endpoint.count())
}

func TestRun_ScenarioD_EmptyDrive(t *testing.T) {
	h := newHarness(t, Config{})

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Listed)
	assert.Zero(t, h.drive.itemCalls)
	assert.Zero(t, h.endpoint.count())
}

func TestRun_ScenarioE_ForwardFailure(t *testing.T) {
	items := []models.DriveItemable{
		recording("1", "one.mp4", time.Minute, true),
		recording("2", "two.mp4", 2*time.Minute, true),
		recording("3", "three.mp4", 3*time.Minute, true),
	}

	t.Run("isolates the failed item by default", func(t *testing.T) {
		h := newHarness(t, Config{}, items...)
		h.endpoint.statuses = []int{http.StatusInternalServerError}

		report, err := h.runner.Run(context.Background())
		require.Error(t, err)

		var se *forwarder.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.StatusCode)

		assert.Equal(t, 3, h.endpoint.count(), "later items are still attempted")
		assert.Equal(t, 2, report.Forwarded)
		require.Len(t, report.Failures, 1)
		assert.Equal(t, "1", report.Failures[0].ID)
		assert.Equal(t, StageForward, report.Failures[0].Stage)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ItemsFailed.WithLabelValues(StageForward)))
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(ResultFailed)))
	})

	t.Run("fail fast stops at the first failure", func(t *testing.T) {
		h := newHarness(t, Config{FailFast: true}, items...)
		h.endpoint.statuses = []int{http.StatusInternalServerError}

		report, err := h.runner.Run(context.Background())
		require.Error(t, err)

		assert.Equal(t, 1, h.endpoint.count(), "no further items are attempted")
		assert.Equal(t, 0, report.Forwarded)
		assert.Len(t, report.Failures, 1)
	})
}

func TestRun_ScenarioF_TwoMatches(t *testing.T) {
	items := []models.DriveItemable{
		recording("1", "one.mp4", time.Minute, true),
		recording("2", "two.mp4", 2*time.Minute, true),
	}

	t.Run("per-item keys keep both copies", func(t *testing.T) {
		h := newHarness(t, Config{}, items...)

		report, err := h.runner.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []string{"2026-10-19/1-one.mp4", "2026-10-19/2-two.mp4"}, report.Keys)
		keys, err := h.store.List(context.Background(), "recordings", "")
		require.NoError(t, err)
		assert.Len(t, keys, 2)
	})

	t.Run("fixed key overwrites within a run", func(t *testing.T) {
		h := newHarness(t, Config{KeyTemplate: "latest.wav"}, items...)

		report, err := h.runner.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []string{"latest.wav", "latest.wav"}, report.Keys)
		keys, err := h.store.List(context.Background(), "recordings", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"latest.wav"}, keys)

		// Each forward reads what its own copy step just wrote.
		require.Equal(t, 2, h.endpoint.count())
		assert.Equal(t, "audio-of-1", h.endpoint.deliveries[0].body)
		assert.Equal(t, "audio-of-2", h.endpoint.deliveries[1].body)

		rc, err := h.store.Get(context.Background(), "recordings", "latest.wav")
		require.NoError(t, err)
		defer rc.Close()
		last, _ := io.ReadAll(rc)
		assert.Equal(t, "audio-of-2", string(last), "second copy wins")
	})
}

func TestRun_MissingItemsAreSkipped(t *testing.T) {
	h := newHarness(t, Config{},
		recording("gone", "gone.mp4", time.Minute, true),
		recording("empty", "empty.mp4", time.Minute, true),
		recording("ok", "ok.mp4", time.Minute, true),
	)
	delete(h.drive.content, "empty")
	// The second listing no longer contains "gone".
	h.drive.items = h.drive.items[1:]
	listed := []models.DriveItemable{recording("gone", "gone.mp4", time.Minute, true)}
	listed = append(listed, h.drive.items...)
	h.runner.newClient = func(ctx context.Context) (graph.DriveAPI, error) {
		return &splitDrive{fakeDrive: h.drive, children: listed}, nil
	}

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Matched)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Forwarded)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ItemsSkipped.WithLabelValues("item_missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ItemsSkipped.WithLabelValues("content_missing")))
}

// splitDrive lists different children than its item listing.
type splitDrive struct {
	*fakeDrive
	children []models.DriveItemable
}

func (s *splitDrive) Children(ctx context.Context, driveID, itemID string) ([]models.DriveItemable, error) {
	return s.children, nil
}

func TestRun_RunLevelFailures(t *testing.T) {
	t.Run("credential failure", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.runner.newClient = func(ctx context.Context) (graph.DriveAPI, error) {
			return nil, graph.ErrMissingCredentials
		}

		report, err := h.runner.Run(context.Background())
		assert.ErrorIs(t, err, graph.ErrMissingCredentials)
		require.NotNil(t, report)
	})

	t.Run("listing failure", func(t *testing.T) {
		h := newHarness(t, Config{})
		boom := errors.New("AADSTS7000215: invalid client secret")
		h.drive.listErr = boom

		_, err := h.runner.Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(ResultFailed)))
	})
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t, Config{}, recording("1", "one.mp4", time.Minute, true))

	first, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	second, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Keys, second.Keys)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 2, h.endpoint.count(), "no cross-run dedup")
}

func TestRun_SkipsWhenLeaseHeld(t *testing.T) {
	locker := NewLocalLocker()
	h := newHarness(t, Config{LockKey: "job"}, recording("1", "one.mp4", time.Minute, true))
	h.runner.locker = locker

	lease, err := locker.Acquire(context.Background(), "job", time.Minute)
	require.NoError(t, err)

	report, err := h.runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, report)
	assert.Zero(t, h.endpoint.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(ResultSkipped)))

	require.NoError(t, lease.Release(context.Background()))
	_, err = h.runner.Run(context.Background())
	assert.NoError(t, err)
}

func TestRun_ReleasesLeaseAfterFailure(t *testing.T) {
	h := newHarness(t, Config{}, recording("1", "one.mp4", time.Minute, true))
	h.endpoint.statuses = []int{http.StatusInternalServerError}

	_, err := h.runner.Run(context.Background())
	require.Error(t, err)

	_, err = h.runner.Run(context.Background())
	assert.NoError(t, err)
}

func TestRunner_Ready(t *testing.T) {
	h := newHarness(t, Config{})
	assert.NoError(t, h.runner.Ready(context.Background()))

	missing := drivers.NewLocalDriver(filepath.Join(t.TempDir(), "gone"), zap.NewNop())
	r, err := NewRunner(Config{DriveID: "drive", Container: "recordings", KeyTemplate: "{id}"},
		func(ctx context.Context) (graph.DriveAPI, error) { return h.drive, nil },
		missing, &forwarder.Forwarder{})
	require.NoError(t, err)
	assert.Error(t, r.Ready(context.Background()))
}
