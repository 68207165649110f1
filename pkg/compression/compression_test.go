package compression

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestService_RoundTrip(t *testing.T) {
	original := []byte(strings.Repeat("Hello, World! This is a test message. ", 100))

	tests := []struct {
		algorithm string
		extension string
	}{
		{AlgorithmGzip, ".gz"},
		{AlgorithmZstd, ".zst"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			s := newService(t, Config{Algorithm: tt.algorithm, MinSize: 64})
			assert.Equal(t, tt.algorithm, s.Algorithm())

			payload, ext, err := s.Encode(original)
			require.NoError(t, err)
			assert.Equal(t, tt.extension, ext)
			assert.Less(t, len(payload), len(original))

			decoded, err := s.Decode("blob.data"+ext, payload)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)
		})
	}
}

func TestService_StoresRawWhenNotWorthIt(t *testing.T) {
	s := newService(t, Config{Algorithm: AlgorithmZstd, MinSize: 1024})

	t.Run("below min size", func(t *testing.T) {
		payload, ext, err := s.Encode([]byte("short"))
		require.NoError(t, err)
		assert.Empty(t, ext)
		assert.Equal(t, []byte("short"), payload)
	})

	t.Run("already compressed", func(t *testing.T) {
		data := append([]byte{0x1f, 0x8b}, []byte(strings.Repeat("a", 2048))...)
		payload, ext, err := s.Encode(data)
		require.NoError(t, err)
		assert.Empty(t, ext)
		assert.Equal(t, data, payload)
	})

	t.Run("empty", func(t *testing.T) {
		payload, ext, err := s.Encode(nil)
		require.NoError(t, err)
		assert.Empty(t, ext)
		assert.Empty(t, payload)
	})
}

func TestService_None(t *testing.T) {
	s := newService(t, DefaultConfig())
	assert.Equal(t, AlgorithmNone, s.Algorithm())

	data := []byte(strings.Repeat("x", 4096))
	payload, ext, err := s.Encode(data)
	require.NoError(t, err)
	assert.Empty(t, ext)
	assert.Equal(t, data, payload)
}

func TestService_DecodesAnyAlgorithm(t *testing.T) {
	original := []byte(strings.Repeat("mixed settings ", 200))

	gz := newService(t, Config{Algorithm: AlgorithmGzip})
	payload, ext, err := gz.Encode(original)
	require.NoError(t, err)

	// A service configured differently still reads what gzip wrote
	plain := newService(t, DefaultConfig())
	decoded, err := plain.Decode("k$id.data"+ext, payload)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	decoded, err = plain.Decode("k$id.data", []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), decoded)
}

func TestService_CorruptPayload(t *testing.T) {
	s := newService(t, DefaultConfig())

	_, err := s.Decode("k.data.gz", []byte("not gzip"))
	assert.Error(t, err)

	_, err = s.Decode("k.data.zst", []byte("not zstd"))
	assert.Error(t, err)
}

func TestNewService_UnknownAlgorithm(t *testing.T) {
	_, err := NewService(Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestDetectCompression(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
		detected bool
	}{
		{"gzip", []byte{0x1f, 0x8b, 0x08}, "gzip", true},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}, "zstd", true},
		{"zip", []byte{0x50, 0x4b, 0x03, 0x04}, "zip", true},
		{"7z", []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}, "7z", true},
		{"text", []byte("plain text"), "", false},
		{"too short", []byte{0x1f}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			algo, ok := DetectCompression(tt.data)
			assert.Equal(t, tt.expected, algo)
			assert.Equal(t, tt.detected, ok)
		})
	}
}
