package audio

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

func newTestArchiver(t *testing.T) (*Archiver, *LocalStorage) {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewArchiver(store, config.AudioConfig{UserAgent: "test-agent"}, zaptest.NewLogger(t)), store
}

func TestSafeOrganizationName(t *testing.T) {
	tests := []struct {
		name string
		org  *model.Organization
		want string
	}{
		{name: "plain", org: &model.Organization{ID: 1, Name: "Acme"}, want: "Acme"},
		{name: "spaces and punctuation", org: &model.Organization{ID: 2, Name: "Acme Corp, Inc."}, want: "Acme_Corp__Inc"},
		{name: "keeps dash and underscore", org: &model.Organization{ID: 3, Name: "north-east_ops"}, want: "north-east_ops"},
		{name: "only symbols", org: &model.Organization{ID: 9, Name: "!!!"}, want: "org_9"},
		{name: "non ascii", org: &model.Organization{ID: 4, Name: "Ωmega"}, want: "mega"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeOrganizationName(tt.org))
		})
	}
}

func TestExtensionFromURL(t *testing.T) {
	assert.Equal(t, "mp3", ExtensionFromURL("https://cdn.example.com/rec/abc.MP3?sig=1"))
	assert.Equal(t, "wav", ExtensionFromURL("https://cdn.example.com/rec/abc"))
	assert.Equal(t, "wav", ExtensionFromURL("::not a url"))
	assert.Equal(t, "ogg", ExtensionFromURL("https://cdn.example.com/a.b/c.ogg"))
}

func TestArchiver_RelativePath(t *testing.T) {
	a, _ := newTestArchiver(t)
	org := &model.Organization{ID: 5, Name: "Acme"}
	assert.Equal(t, "vapi-call-recordings/Acme/c1.mp3", a.RelativePath(org, "c1", "https://x/y/c1.mp3"))
	assert.Equal(t, "vapi-call-recordings/Acme/_2e_2e_2fevil.wav", a.RelativePath(org, "../evil", "https://x/y/rec"))

	uuid := "3f2b8c1e-9a7d-4e21-b0c4-5d6e7f809a1b"
	assert.Equal(t, "vapi-call-recordings/Acme/"+uuid+".wav", a.RelativePath(org, uuid, "https://x/y/rec"))

	dotted := a.RelativePath(org, "a.b", "https://x/y/rec")
	underscored := a.RelativePath(org, "a_b", "https://x/y/rec")
	assert.Equal(t, "vapi-call-recordings/Acme/a_2eb.wav", dotted)
	assert.Equal(t, "vapi-call-recordings/Acme/a_5fb.wav", underscored)
	assert.NotEqual(t, dotted, underscored)
}

func TestEscapeCallID_Distinct(t *testing.T) {
	ids := []string{"a.b", "a_b", "a/b", "a b", "a_2eb", "a__b", "ab"}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		escaped := EscapeCallID(id)
		if prev, ok := seen[escaped]; ok {
			t.Fatalf("%q and %q both escape to %q", prev, id, escaped)
		}
		seen[escaped] = id
	}
}

func TestArchiver_Archive(t *testing.T) {
	payload := bytes.Repeat([]byte{0x52}, 4096)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok.wav":
			_, _ = w.Write(payload)
		case "/small.wav":
			_, _ = w.Write([]byte("tiny"))
		case "/empty.wav":
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	org := &model.Organization{ID: 5, Name: "Acme"}
	ctx := context.Background()

	t.Run("downloads and verifies", func(t *testing.T) {
		a, store := newTestArchiver(t)
		rel, err := a.Archive(ctx, srv.URL+"/ok.wav", "c1", org)
		require.NoError(t, err)
		assert.Equal(t, "vapi-call-recordings/Acme/c1.wav", rel)

		data, err := os.ReadFile(filepath.Join(store.Root(), filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, payload, data)

		matches, _ := filepath.Glob(filepath.Join(store.Root(), "vapi-call-recordings", "Acme", "*.part-*"))
		assert.Empty(t, matches)
	})

	t.Run("existing file is reused", func(t *testing.T) {
		a, _ := newTestArchiver(t)
		_, err := a.Archive(ctx, srv.URL+"/ok.wav", "c2", org)
		require.NoError(t, err)
		before := atomic.LoadInt32(&hits)

		rel, err := a.Archive(ctx, srv.URL+"/ok.wav", "c2", org)
		require.NoError(t, err)
		assert.Equal(t, "vapi-call-recordings/Acme/c2.wav", rel)
		assert.Equal(t, before, atomic.LoadInt32(&hits))
	})

	failures := []struct {
		name string
		path string
		want error
	}{
		{name: "too small", path: "/small.wav", want: ErrAudioTooSmall},
		{name: "empty body", path: "/empty.wav", want: ErrAudioTooSmall},
		{name: "not found", path: "/missing.wav"},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			a, store := newTestArchiver(t)
			rel, err := a.Archive(ctx, srv.URL+tt.path, "c3", org)
			require.Error(t, err)
			assert.Empty(t, rel)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want))
			}
			exists, _ := store.Exists(ctx, a.RelativePath(org, "c3", srv.URL+tt.path))
			assert.False(t, exists)
		})
	}

	t.Run("no recording url", func(t *testing.T) {
		a, _ := newTestArchiver(t)
		_, err := a.Archive(ctx, "", "c4", org)
		assert.ErrorIs(t, err, ErrNoRecording)
	})
}

func TestArchiver_RejectsOversizedAudio(t *testing.T) {
	previous := maxAudioBytes
	maxAudioBytes = 2000
	t.Cleanup(func() { maxAudioBytes = previous })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{1}, 2001))
	}))
	defer srv.Close()

	a, store := newTestArchiver(t)
	org := &model.Organization{ID: 1, Name: "Acme"}

	rel, err := a.Archive(context.Background(), srv.URL+"/big.wav", "c1", org)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAudioTooLarge)
	assert.Empty(t, rel)
	exists, _ := store.Exists(context.Background(), "vapi-call-recordings/Acme/c1.wav")
	assert.False(t, exists)

	matches, _ := filepath.Glob(filepath.Join(store.Root(), "vapi-call-recordings", "Acme", "*.part-*"))
	assert.Empty(t, matches)
}

type shortStorage struct {
	Storage
}

func (s shortStorage) Size(ctx context.Context, key string) (int64, error) {
	return 1, nil
}

func TestArchiver_VerificationFailureRemovesObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{1}, 2000))
	}))
	defer srv.Close()

	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(shortStorage{Storage: local}, config.AudioConfig{}, zaptest.NewLogger(t))
	org := &model.Organization{ID: 1, Name: "Acme"}

	rel, err := a.Archive(context.Background(), srv.URL+"/r.wav", "c1", org)
	require.Error(t, err)
	assert.Empty(t, rel)
	exists, _ := local.Exists(context.Background(), "vapi-call-recordings/Acme/c1.wav")
	assert.False(t, exists)
}

func TestArchiver_RemoveAndDirectoryCleanup(t *testing.T) {
	a, store := newTestArchiver(t)
	ctx := context.Background()
	org := &model.Organization{ID: 7, Name: "Beta"}
	key := a.RelativePath(org, "c1", "https://x/c1.wav")
	require.NoError(t, store.Write(ctx, key, []byte("data")))

	require.NoError(t, a.RemoveOrganizationDir(ctx, org))
	_, err := os.Stat(filepath.Join(store.Root(), "vapi-call-recordings", "Beta"))
	assert.NoError(t, err, "non-empty directory must survive")

	require.NoError(t, a.Remove(ctx, key))
	require.NoError(t, a.Remove(ctx, key), "second remove is a no-op")
	require.NoError(t, a.RemoveOrganizationDir(ctx, org))
	_, err = os.Stat(filepath.Join(store.Root(), "vapi-call-recordings", "Beta"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"../outside.wav", "/etc/passwd", "", "a/../../b"} {
		assert.Error(t, store.Write(ctx, key, []byte("x")), key)
	}
}
