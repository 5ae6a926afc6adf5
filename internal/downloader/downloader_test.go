package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/models"
	"github.com/remotesensinginfo/eodatadown/internal/sensor"
)

type fakeStore struct {
	scene       models.Scene
	marked      bool
	committed   bool
	commitPath  string
	commitSum   string
	completeErr error
}

func (f *fakeStore) GetScene(context.Context, string, string) (models.Scene, error) {
	return f.scene, nil
}

func (f *fakeStore) MarkDownloading(context.Context, string, string) error {
	f.marked = true
	return nil
}

func (f *fakeStore) CompleteDownload(_ context.Context, _ models.Job, localPath, checksum string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.committed = true
	f.commitPath = localPath
	f.commitSum = checksum
	return nil
}

// fakeSensor writes fixed payload bytes to dest and returns a chosen token.
type fakeSensor struct {
	payload []byte
	token   sensor.IntegrityToken
	err     error
}

func (f *fakeSensor) Name() string { return "landsat8" }

func (f *fakeSensor) Query(context.Context, sensor.TimeWindow) ([]sensor.SceneDescriptor, error) {
	return nil, nil
}

func (f *fakeSensor) Download(_ context.Context, _ sensor.SceneDescriptor, dest string) (sensor.IntegrityToken, error) {
	if f.err != nil {
		return sensor.IntegrityToken{}, f.err
	}
	if err := os.WriteFile(dest, f.payload, 0o644); err != nil {
		return sensor.IntegrityToken{}, err
	}
	return f.token, nil
}

func (f *fakeSensor) Process(localPath, outputPath, tmpDir string) (sensor.Invocation, error) {
	return sensor.Invocation{}, errors.New("not used")
}

func newDownloader(t *testing.T, st *fakeStore, sn sensor.Sensor) *Downloader {
	t.Helper()
	cfg := config.Config{
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		StorageDir: filepath.Join(t.TempDir(), "storage"),
	}
	return New(cfg, st, map[string]sensor.Sensor{"landsat8": sn}, nil)
}

func testScene(md5sum string, size int64) models.Scene {
	return models.Scene{
		SceneID:    "LC08_L1TP_001001",
		Sensor:     "landsat8",
		AcquiredAt: time.Now().Add(-24 * time.Hour),
		Source:     "https://example.org/scenes/LC08_L1TP_001001.tar.gz",
		RemoteMD5:  md5sum,
		SizeBytes:  size,
		Status:     models.SceneDiscovered,
	}
}

func testJob() models.Job {
	return models.Job{ID: "job-1", Sensor: "landsat8", SceneID: "LC08_L1TP_001001", Kind: models.KindDownload}
}

func TestHandleCommitsVerifiedDownload(t *testing.T) {
	payload := []byte("band data")
	sum := md5.Sum(payload)
	digest := hex.EncodeToString(sum[:])

	st := &fakeStore{scene: testScene(digest, int64(len(payload)))}
	sn := &fakeSensor{payload: payload, token: sensor.IntegrityToken{MD5: digest, Size: int64(len(payload))}}
	d := newDownloader(t, st, sn)

	if err := d.Handle(context.Background(), testJob()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !st.marked {
		t.Fatalf("scene was never marked downloading")
	}
	if !st.committed {
		t.Fatalf("download was never committed")
	}
	if st.commitSum != digest {
		t.Fatalf("committed checksum %s, want %s", st.commitSum, digest)
	}
	if filepath.Ext(st.commitPath) != ".gz" {
		t.Fatalf("committed path %s should keep the source extension", st.commitPath)
	}
	got, err := os.ReadFile(st.commitPath)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("committed bytes differ from provider payload")
	}
}

func TestHandleRejectsChecksumMismatch(t *testing.T) {
	payload := []byte("band data")
	st := &fakeStore{scene: testScene("d41d8cd98f00b204e9800998ecf8427e", int64(len(payload)))}
	sn := &fakeSensor{payload: payload, token: sensor.IntegrityToken{MD5: "d41d8cd98f00b204e9800998ecf8427e"}}
	d := newDownloader(t, st, sn)

	err := d.Handle(context.Background(), testJob())
	var mismatch *models.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
	if st.committed {
		t.Fatalf("mismatched download must not be committed")
	}
}

func TestHandleAcceptsUppercaseDigest(t *testing.T) {
	payload := []byte("band data")
	sum := md5.Sum(payload)
	digest := hex.EncodeToString(sum[:])

	st := &fakeStore{scene: testScene("", 0)}
	sn := &fakeSensor{payload: payload, token: sensor.IntegrityToken{MD5: strings.ToUpper(digest)}}
	d := newDownloader(t, st, sn)

	if err := d.Handle(context.Background(), testJob()); err != nil {
		t.Fatalf("case-insensitive digest comparison failed: %v", err)
	}
}

func TestHandleFallsBackToSizeCheck(t *testing.T) {
	payload := []byte("no digest from this provider")
	st := &fakeStore{scene: testScene("", int64(len(payload)))}
	sn := &fakeSensor{payload: payload, token: sensor.IntegrityToken{Size: int64(len(payload))}}
	d := newDownloader(t, st, sn)

	if err := d.Handle(context.Background(), testJob()); err != nil {
		t.Fatalf("size-based verification failed: %v", err)
	}

	// Wrong size must be rejected.
	st2 := &fakeStore{scene: testScene("", 999)}
	sn2 := &fakeSensor{payload: payload, token: sensor.IntegrityToken{Size: 999}}
	d2 := newDownloader(t, st2, sn2)
	err := d2.Handle(context.Background(), testJob())
	var mismatch *models.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}

func TestHandleRejectsEmptyFile(t *testing.T) {
	st := &fakeStore{scene: testScene("", 0)}
	sn := &fakeSensor{payload: nil, token: sensor.IntegrityToken{}}
	d := newDownloader(t, st, sn)

	err := d.Handle(context.Background(), testJob())
	var mismatch *models.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected rejection of empty download, got %v", err)
	}
}

func TestHandleRejectsOversizedScene(t *testing.T) {
	st := &fakeStore{scene: testScene("", 100)}
	sn := &fakeSensor{payload: []byte("should never be fetched")}
	cfg := config.Config{
		StagingDir:       filepath.Join(t.TempDir(), "staging"),
		StorageDir:       filepath.Join(t.TempDir(), "storage"),
		DownloadMaxBytes: 10,
	}
	d := New(cfg, st, map[string]sensor.Sensor{"landsat8": sn}, nil)

	err := d.Handle(context.Background(), testJob())
	var invalid *models.InvalidSceneError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidSceneError, got %v", err)
	}
	if st.marked {
		t.Fatalf("oversized scene must be rejected before any download starts")
	}
}

func TestHandlePropagatesProviderError(t *testing.T) {
	st := &fakeStore{scene: testScene("", 10)}
	provErr := &models.TransientNetworkError{Op: "download", Err: errors.New("connection reset")}
	sn := &fakeSensor{err: provErr}
	d := newDownloader(t, st, sn)

	err := d.Handle(context.Background(), testJob())
	var transient *models.TransientNetworkError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
	if st.committed {
		t.Fatalf("failed download must not be committed")
	}
}
