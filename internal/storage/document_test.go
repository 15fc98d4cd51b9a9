package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend. reads holds scripted payloads for
// successive Read calls before falling back to current.
type memBackend struct {
	current []byte
	backup  []byte
	reads   [][]byte
	writes  int
	readN   int
	failW   error
}

func (m *memBackend) Name() string { return "mem" }

func (m *memBackend) Read(context.Context) ([]byte, error) {
	m.readN++
	if len(m.reads) > 0 {
		next := m.reads[0]
		m.reads = m.reads[1:]
		return next, nil
	}
	if m.current == nil {
		return nil, ErrNotFound
	}
	return m.current, nil
}

func (m *memBackend) ReadBackup(context.Context) ([]byte, error) {
	if m.backup == nil {
		return nil, ErrNotFound
	}
	return m.backup, nil
}

func (m *memBackend) Write(_ context.Context, data []byte) error {
	if m.failW != nil {
		return m.failW
	}
	m.writes++
	m.backup = m.current
	m.current = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) Close() error { return nil }

func newTestStore(t *testing.T, backend Backend, cfg Config) *DocumentStore {
	t.Helper()
	store, err := NewDocumentStore(backend, cfg, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestLoadFirstRunWritesTemplate(t *testing.T) {
	backend := &memBackend{}
	store := newTestStore(t, backend, Config{})

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, doc.Status)
	require.NotNil(t, doc.DeviceStatus)
	require.NotNil(t, doc.Metrics)
	require.Equal(t, 1, backend.writes)
}

func TestLoadMergesTemplateUnderneath(t *testing.T) {
	backend := &memBackend{current: []byte(`{"status": 2, "app_history": {"a": []}}`)}
	template := []byte(`{"status": 0, "private_mode": true, "greeting": "hello", "app_history": {"b": []}}`)
	store := newTestStore(t, backend, Config{Template: template})

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, doc.Status)
	require.True(t, doc.PrivateMode, "template key absent from the persisted file")
	require.Equal(t, `"hello"`, string(doc.Extra["greeting"]))

	// Top-level merge only: persisted app_history replaces the template's.
	require.Contains(t, doc.AppHistory, "a")
	require.NotContains(t, doc.AppHistory, "b")
}

func TestLoadRetriesCorruptThenSucceeds(t *testing.T) {
	backend := &memBackend{
		reads:   [][]byte{[]byte(`{"status":`), []byte(``)},
		current: []byte(`{"status": 1}`),
	}
	store := newTestStore(t, backend, Config{LoadAttempts: 5})

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, doc.Status)
	require.Equal(t, 3, backend.readN)
}

func TestLoadMissingCurrentUsesBackup(t *testing.T) {
	backend := &memBackend{backup: []byte(`{"status": 4}`)}
	store := newTestStore(t, backend, Config{})

	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, doc.Status)
	require.Equal(t, 1, backend.readN, "missing document is not retried")
}

func TestLoadExhaustedWithoutBackup(t *testing.T) {
	backend := &memBackend{current: []byte(`not json`)}
	store := newTestStore(t, backend, Config{LoadAttempts: 3})

	_, err := store.Load(context.Background())
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	require.Equal(t, 3, loadErr.Attempts)
	require.True(t, loadErr.BackupTried)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadEmptyPayloadIsCorruption(t *testing.T) {
	store := newTestStore(t, &memBackend{}, Config{})
	_, err := store.Decode([]byte("  \n"))
	require.ErrorIs(t, err, ErrEmptyDocument)
}

func TestSaveErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	store := newTestStore(t, &memBackend{failW: cause}, Config{})

	err := store.Save(context.Background(), NewDocument())
	var saveErr *SaveError
	require.True(t, errors.As(err, &saveErr))
	require.Equal(t, "mem", saveErr.Backend)
	require.ErrorIs(t, err, cause)
}

func TestEncodeKeepsUnicodeAndExtraKeys(t *testing.T) {
	doc := NewDocument()
	doc.Extra = map[string]json.RawMessage{"note": json.RawMessage(`"<b>"`)}
	doc.DeviceStatus["phone"] = &DeviceStatus{ShowName: "手机", AppName: "微信"}

	data, err := Encode(doc)
	require.NoError(t, err)
	require.Contains(t, string(data), "手机")
	require.Contains(t, string(data), `"note": "<b>"`)

	decoded := &Document{}
	require.NoError(t, json.Unmarshal(data, decoded))
	require.Equal(t, "微信", decoded.DeviceStatus["phone"].AppName)
	require.Equal(t, `"<b>"`, string(decoded.Extra["note"]))
}

func TestNewDocumentStoreRejectsBadTemplate(t *testing.T) {
	_, err := NewDocumentStore(&memBackend{}, Config{Template: []byte(`[1,2]`)}, zerolog.Nop())
	require.Error(t, err)
}

func TestDeviceStatusLastSeen(t *testing.T) {
	doc := &Document{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"device_status": {
			"a": {"updated_at": "2024-01-02T10:00:00+08:00", "heart_updated_at": "2024-01-02T11:00:00+08:00"},
			"b": null
		}
	}`), doc))

	require.NotContains(t, doc.DeviceStatus, "b")
	require.Equal(t, 11, doc.DeviceStatus["a"].LastSeen().Hour())
}
