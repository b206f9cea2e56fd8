package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

func batchOf(routes ...string) []message.Message {
	out := make([]message.Message, len(routes))
	for i, route := range routes {
		msg := message.New(message.Payload(`{"id":`+string(rune('0'+i))+`}`), "2024-01-31")
		if route != "" {
			msg = msg.WithMediation(message.Mediation{"route": route})
		}
		out[i] = msg
	}
	return out
}

// recordingSink remembers every saved batch.
type recordingSink struct {
	mu      sync.Mutex
	batches map[string][]message.Message
	fail    error
	delay   time.Duration
	closed  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: map[string][]message.Message{}}
}

func (r *recordingSink) Save(_ context.Context, _ string, module string, batch []message.Message) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches[module] = batch
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

// MockPublisher is a testify mock of Publisher.
type MockPublisher struct {
	mock.Mock
	mu        sync.Mutex
	published []*nats.Msg
}

func (m *MockPublisher) PublishMsg(msg *nats.Msg) error {
	args := m.Called(msg.Subject)
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockPublisher) FlushTimeout(timeout time.Duration) error {
	return m.Called(timeout).Error(0)
}

// memoryStore is an in-memory storage.BlobStore.
type memoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memoryStore) Upload(_ context.Context, blobPath string, data []byte, _ string, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(blobPath, "broken") {
		return "", errors.New("upload refused")
	}
	m.blobs[blobPath] = append([]byte(nil), data...)
	return "memory://" + blobPath, nil
}

func (m *memoryStore) Download(_ context.Context, reference string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[reference]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func TestEncode(t *testing.T) {
	data, err := Encode(batchOf("", "reject"))
	require.NoError(t, err)

	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":0,"billingmediation":{}}`, lines[0])
	assert.JSONEq(t, `{"id":1,"billingmediation":{"route":"reject"}}`, lines[1])

	empty, err := Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = Encode([]message.Message{message.New(`[1]`, "")})
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Save(context.Background(), "run", "Lg", batchOf("", "")))

	data, err := os.ReadFile(filepath.Join(dir, "Lg"))
	require.NoError(t, err)
	assert.Equal(t, 2, len(strings.Split(string(data), "\n")))

	// A second save replaces the first.
	require.NoError(t, sink.Save(context.Background(), "run", "Lg", batchOf("")))
	data, err = os.ReadFile(filepath.Join(dir, "Lg"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n")
}

func TestFileSink_RejectsPathNames(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	for _, module := range []string{"a/x", "b/x", `c\x`, "..", "."} {
		t.Run(fmt.Sprintf("%q", module), func(t *testing.T) {
			err := sink.Save(context.Background(), "run", module, batchOf(""))
			require.Error(t, err)
			assert.True(t, sdkerrors.IsConfiguration(err))
		})
	}
	assert.NoFileExists(t, filepath.Join(dir, "x"))
}

func TestNATSSink(t *testing.T) {
	pub := &MockPublisher{}
	pub.On("PublishMsg", "usage.Lg").Return(nil)
	pub.On("FlushTimeout", mock.Anything).Return(nil)

	sink := NewNATSSink(pub, "usage.")
	assert.Equal(t, "usage.Lg", sink.Subject("Lg"))

	require.NoError(t, sink.Save(context.Background(), "run-1", "Lg", batchOf("", "reject")))
	require.NoError(t, sink.Close())

	require.Len(t, pub.published, 2)
	assert.Equal(t, "run-1", pub.published[0].Header.Get(HeaderRunID))
	assert.Equal(t, "Lg", pub.published[1].Header.Get(HeaderModule))
	assert.Equal(t, "2024-01-31", pub.published[1].Header.Get(HeaderDate))
	assert.JSONEq(t, `{"id":1,"billingmediation":{"route":"reject"}}`, string(pub.published[1].Data))
	pub.AssertNumberOfCalls(t, "PublishMsg", 2)
	pub.AssertExpectations(t)
}

func TestNATSSink_PublishError(t *testing.T) {
	pub := &MockPublisher{}
	pub.On("PublishMsg", "bmp.Sp").Return(nats.ErrConnectionClosed)

	err := NewNATSSink(pub, "").Save(context.Background(), "run", "Sp", batchOf("", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	pub.AssertNumberOfCalls(t, "PublishMsg", 1)
}

func TestBlobSink(t *testing.T) {
	store := &memoryStore{blobs: map[string][]byte{}}
	sink := NewBlobSink(store, nil)
	ctx := context.Background()

	require.NoError(t, sink.Save(ctx, "r1", "Sp", batchOf("", "")))
	require.Error(t, sink.Save(ctx, "r1", "broken", batchOf("")))

	assert.Contains(t, store.blobs, storage.OutputPath("r1", "Sp"))

	manifest, err := storage.NewManifestClient(store, nil).Get(ctx, "r1")
	require.NoError(t, err)
	require.Contains(t, manifest.Modules, "Sp")
	assert.Equal(t, storage.StatusSaved, manifest.Modules["Sp"].Status)
	assert.Equal(t, 2, manifest.Modules["Sp"].Messages)
	assert.Equal(t, storage.StatusFailed, manifest.Modules["broken"].Status)
	assert.Contains(t, manifest.Modules["broken"].Error, "upload refused")
}

func TestSQLiteSink(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "out.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer sink.Close()
	ctx := context.Background()

	require.NoError(t, sink.Save(ctx, "r1", "Lg", batchOf("", "reject", "")))
	require.NoError(t, sink.Save(ctx, "r2", "Lg", batchOf("")))

	n, err := sink.Count(ctx, "r1", "Lg")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	docs, err := sink.Documents(ctx, "r1", "Lg")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.JSONEq(t, `{"id":1,"billingmediation":{"route":"reject"}}`, docs[1])

	// Saving again replaces the module's rows for that run only.
	require.NoError(t, sink.Save(ctx, "r1", "Lg", batchOf("")))
	n, err = sink.Count(ctx, "r1", "Lg")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = sink.Count(ctx, "r2", "Lg")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMultiSink(t *testing.T) {
	ok := newRecordingSink()
	bad := newRecordingSink()
	bad.fail = errors.New("disk full")

	multi := MultiSink{bad, ok}
	err := multi.Save(context.Background(), "r", "In", batchOf(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, ok.batches, "In")

	require.NoError(t, multi.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestOpen(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		sink, err := Open(context.Background(), Config{Disabled: true}, nil)
		require.NoError(t, err)
		assert.Empty(t, sink)
	})

	t.Run("file only", func(t *testing.T) {
		dir := t.TempDir()
		sink, err := Open(context.Background(), Config{Dir: dir}, nil)
		require.NoError(t, err)
		require.Len(t, sink, 1)
		assert.IsType(t, &FileSink{}, sink.(MultiSink)[0])
	})

	t.Run("missing nats url", func(t *testing.T) {
		_, err := Open(context.Background(), Config{Dir: t.TempDir(), NATS: &NATSConfig{}}, nil)
		require.Error(t, err)
	})

	t.Run("bad blob connection string", func(t *testing.T) {
		_, err := Open(context.Background(), Config{Dir: t.TempDir(), Blob: &BlobConfig{ConnectionString: "nonsense"}}, nil)
		require.Error(t, err)
	})

	t.Run("missing sqlite path", func(t *testing.T) {
		_, err := Open(context.Background(), Config{Dir: t.TempDir(), SQLite: &SQLiteConfig{}}, nil)
		require.Error(t, err)
	})
}

func TestSaver(t *testing.T) {
	sink := newRecordingSink()
	sink.delay = 5 * time.Millisecond
	saver := NewSaver(sink, SaverOptions{Excluded: []string{"In"}, Concurrency: 2}, nil)
	require.NotEmpty(t, saver.RunID())

	ctx, cancel := context.WithCancel(context.Background())
	saver.Save(ctx, "In", batchOf(""))
	saver.Save(ctx, "Sp", batchOf("", ""))
	saver.Save(ctx, "Lg", batchOf(""))
	// Cancelling the run does not abort handed-off writes.
	cancel()

	require.NoError(t, saver.Wait(context.Background()))
	assert.NotContains(t, sink.batches, "In")
	assert.Len(t, sink.batches["Sp"], 2)
	assert.Len(t, sink.batches["Lg"], 1)
	stats := saver.Stats()
	assert.Equal(t, int64(2), stats.Saved)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Zero(t, stats.Failed)
	assert.GreaterOrEqual(t, stats.PeakConcurrent, int64(1))
	assert.LessOrEqual(t, stats.PeakConcurrent, int64(2))
	assert.GreaterOrEqual(t, stats.AverageWait, time.Duration(0))

	require.NoError(t, saver.Close(context.Background()))
	assert.True(t, sink.closed)
}

func TestSaver_FailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := newRecordingSink()
	sink.fail = errors.New("sink down")
	saver := NewSaver(sink, SaverOptions{RunID: "r"}, zap.New(core))

	saver.Save(context.Background(), "Lg", batchOf(""))
	require.NoError(t, saver.Wait(context.Background()))

	assert.Equal(t, int64(1), saver.Stats().Failed)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to save module output", logs.All()[0].Message)
	assert.Equal(t, "r", logs.All()[0].ContextMap()["run_id"])
}

func TestSaver_Nil(t *testing.T) {
	var saver *Saver
	saver.Save(context.Background(), "x", nil)
	assert.Equal(t, SaveStats{}, saver.Stats())
	assert.NoError(t, saver.Wait(context.Background()))
	assert.NoError(t, saver.Close(context.Background()))
}
