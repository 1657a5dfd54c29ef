package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tgsearch/internal/config"
)

func TestFileSystemSink_Put(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "snapshots")
	sink, err := NewFileSystemSink(dir)
	if err != nil {
		t.Fatalf("NewFileSystemSink() error = %v", err)
	}

	t.Run("writes the blob", func(t *testing.T) {
		data := []byte("SQLite format 3\x00")
		if err := sink.Put(ctx, "config-1.db", bytes.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		got, err := os.ReadFile(filepath.Join(dir, "config-1.db"))
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("content = %q, want %q", got, data)
		}
	})

	t.Run("size mismatch leaves no file", func(t *testing.T) {
		err := sink.Put(ctx, "short.db", strings.NewReader("abc"), 10)
		if err == nil {
			t.Fatal("Put() error = nil for a short reader")
		}
		if _, err := os.Stat(filepath.Join(dir, "short.db")); !os.IsNotExist(err) {
			t.Errorf("short.db exists after failed Put")
		}
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".tmp-") {
				t.Errorf("temp file %s left behind", e.Name())
			}
		}
	})

	t.Run("rejects path names", func(t *testing.T) {
		if err := sink.Put(ctx, "../escape.db", strings.NewReader(""), 0); err == nil {
			t.Error("Put() accepted a name with a path separator")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := sink.Put(cctx, "cancelled.db", strings.NewReader("abc"), 3); !errors.Is(err, context.Canceled) {
			t.Errorf("Put() error = %v, want context.Canceled", err)
		}
	})
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	if err := sink.Put(context.Background(), "b.db", strings.NewReader("bb"), 2); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := sink.Put(context.Background(), "a.db", strings.NewReader("a"), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got := sink.Names(); len(got) != 2 || got[0] != "a.db" {
		t.Errorf("Names() = %v", got)
	}
	if b, ok := sink.Get("b.db"); !ok || string(b) != "bb" {
		t.Errorf("Get() = %q, %v", b, ok)
	}
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{Location: "https://example/" + aws.ToString(in.Key)}, nil
}

func TestS3Sink_Put(t *testing.T) {
	up := &fakeUploader{}
	sink := NewS3Sink(up, "backups", "tgsearch")

	if err := sink.Put(context.Background(), "config.db", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got := aws.ToString(up.input.Bucket); got != "backups" {
		t.Errorf("Bucket = %q", got)
	}
	if got := aws.ToString(up.input.Key); got != "tgsearch/config.db" {
		t.Errorf("Key = %q", got)
	}
	if got := aws.ToInt64(up.input.ContentLength); got != 4 {
		t.Errorf("ContentLength = %d", got)
	}
	if string(up.body) != "data" {
		t.Errorf("body = %q", up.body)
	}
	if got := sink.Describe(); got != "s3://backups/tgsearch" {
		t.Errorf("Describe() = %q", got)
	}

	up.err = errors.New("access denied")
	if err := sink.Put(context.Background(), "config.db", strings.NewReader("data"), 4); err == nil {
		t.Error("Put() error = nil for a failing upload")
	}
}

func TestNewSinkFromConfig(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.SnapshotConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.SnapshotConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.SnapshotConfig{Type: "filesystem", Dir: t.TempDir()}},
		{name: "filesystem without dir", cfg: config.SnapshotConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3 without bucket", cfg: config.SnapshotConfig{Type: "s3"}, wantErr: true},
		{name: "unknown", cfg: config.SnapshotConfig{Type: "ftp"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSinkFromConfig(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSinkFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
