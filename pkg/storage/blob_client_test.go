package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryStore is an in-memory BlobStore.
type memoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blobs: map[string][]byte{}}
}

func (m *memoryStore) Upload(_ context.Context, blobPath string, data []byte, _ string, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.blobs[blobPath] = append([]byte(nil), data...)
	return "memory://" + blobPath, nil
}

func (m *memoryStore) Download(_ context.Context, reference string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[reference]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func TestNewAzureBlobClient(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		wantErr          bool
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "bmp",
			wantErr:          true,
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			containerName:    "",
			wantErr:          true,
			errContains:      "container name is required",
		},
		{
			name:             "missing key",
			connectionString: "AccountName=test",
			containerName:    "bmp",
			wantErr:          true,
			errContains:      "account name and key are required",
		},
		{
			name:             "shared key",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			containerName:    "bmp",
		},
		{
			name:             "development storage",
			connectionString: "UseDevelopmentStorage=true",
			containerName:    "bmp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, logger)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, client)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=acc; AccountKey=a2V5==;;junk;BlobEndpoint=http://host:10000/acc")
	assert.Equal(t, "acc", params["AccountName"])
	assert.Equal(t, "a2V5==", params["AccountKey"])
	assert.Equal(t, "http://host:10000/acc", params["BlobEndpoint"])
	assert.NotContains(t, params, "junk")
}

func TestExtractBlobPath(t *testing.T) {
	client, err := NewAzureBlobClient("UseDevelopmentStorage=true", "bmp", nil)
	require.NoError(t, err)

	tests := []struct {
		reference string
		want      string
		wantErr   bool
	}{
		{reference: "runs/r1/Sp.jsonl", want: "runs/r1/Sp.jsonl"},
		{reference: "http://127.0.0.1:10000/devstoreaccount1/bmp/runs/r1/Sp.jsonl", want: "runs/r1/Sp.jsonl"},
		{reference: "http://127.0.0.1:10000/devstoreaccount1/bmp/runs/r1/a%20b.jsonl?sig=x", want: "runs/r1/a b.jsonl"},
		{reference: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.reference, func(t *testing.T) {
			got, err := client.extractBlobPath(tt.reference)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAzureBlobClient_RoundTrip(t *testing.T) {
	client, err := NewAzureBlobClient("UseDevelopmentStorage=true", "daedalus-test", zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte(`{"id":1}` + "\n" + `{"id":2}`)

	blobURL, err := client.Upload(ctx, "roundtrip/Sp.jsonl", data, "application/x-ndjson", map[string]string{"module": "Sp"})
	if err != nil {
		t.Skip("Azure Blob Storage not available - run 'azurite' for local testing")
	}
	assert.Contains(t, blobURL, "roundtrip/Sp.jsonl")

	downloaded, err := client.Download(ctx, blobURL)
	require.NoError(t, err)
	assert.Equal(t, data, downloaded)
}
