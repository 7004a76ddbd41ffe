package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/aristath/canopy/internal/testing"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestBackupService_CreateAndUpload(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "canopy")
	defer cleanup()

	_, err := db.Conn().Exec(`INSERT INTO settings (key, value, updated_at) VALUES ('high_threshold_f', '84', 0)`)
	require.NoError(t, err)

	store := newMemStore()
	svc := NewBackupService(db, store, t.TempDir(), 30, zerolog.Nop())
	svc.now = func() time.Time { return testutil.FixedNow }

	key, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "canopy-backup-2026-07-15-150000.tar.gz", key)

	gz, err := gzip.NewReader(bytes.NewReader(store.objects[key]))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = data
	}

	require.Contains(t, files, "canopy.db")
	require.Contains(t, files, backupMetadataName)

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(files[backupMetadataName], &meta))
	assert.Equal(t, "canopy", meta.Database)
	assert.Equal(t, int64(len(files["canopy.db"])), meta.SizeBytes)
	assert.True(t, strings.HasPrefix(meta.Checksum, "sha256:"))
	assert.True(t, bytes.HasPrefix(files["canopy.db"], []byte("SQLite format 3")))
}

func TestBackupService_RotateKeepsNewestAndRecent(t *testing.T) {
	store := newMemStore()
	now := testutil.FixedNow
	for _, days := range []int{1, 2, 3, 10, 20, 40} {
		key := fmt.Sprintf("%s%s%s", backupPrefix, now.AddDate(0, 0, -days).Format(backupTimeLayout), backupSuffix)
		store.objects[key] = []byte("x")
	}
	store.objects["unrelated.txt"] = []byte("y")

	svc := NewBackupService(nil, store, "", 15, zerolog.Nop())
	svc.now = func() time.Time { return now }

	deleted, err := svc.RotateOldBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 4)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp), "newest first")
	assert.Equal(t, int64(24), backups[0].AgeHours)
	assert.Contains(t, store.keys(), "unrelated.txt")
}

func TestBackupService_RotateAlwaysKeepsThree(t *testing.T) {
	store := newMemStore()
	now := testutil.FixedNow
	for _, days := range []int{100, 200, 300} {
		key := backupPrefix + now.AddDate(0, 0, -days).Format(backupTimeLayout) + backupSuffix
		store.objects[key] = []byte("x")
	}

	svc := NewBackupService(nil, store, "", 7, zerolog.Nop())
	svc.now = func() time.Time { return now }

	deleted, err := svc.RotateOldBackups(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, store.keys(), 3)
}

func TestBackupService_ZeroRetentionKeepsAll(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 6; i++ {
		key := backupPrefix + testutil.FixedNow.AddDate(0, 0, -i*50).Format(backupTimeLayout) + backupSuffix
		store.objects[key] = []byte("x")
	}
	svc := NewBackupService(nil, store, "", 0, zerolog.Nop())

	deleted, err := svc.RotateOldBackups(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, store.keys(), 6)
}
