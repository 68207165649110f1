package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Supported algorithms
const (
	AlgorithmNone = "none"
	AlgorithmGzip = "gzip"
	AlgorithmZstd = "zstd"
)

// Blob name suffixes that mark a compressed payload
const (
	gzipExtension = ".gz"
	zstdExtension = ".zst"
)

// Config holds compression configuration
type Config struct {
	// Algorithm specifies the compression algorithm (none, gzip, zstd)
	Algorithm string
	// Level is algorithm specific; 0 selects the algorithm default
	Level int
	// MinSize specifies the minimum size to compress (bytes)
	MinSize int64
}

// DefaultConfig returns default compression configuration
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmNone,
		MinSize:   1024, // 1KB minimum
	}
}

// Compressor compresses whole values
type Compressor interface {
	Algorithm() string
	// Extension is appended to the name of a blob holding compressed data
	Extension() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Service decides per value whether compression pays off and decodes blobs
// by their name suffix, so values written under another setting stay readable.
type Service struct {
	config     Config
	compressor Compressor
	gzip       Compressor
	zstd       Compressor
}

// NewService creates a compression service
func NewService(config Config) (*Service, error) {
	gz := newGzipCompressor(config.Level)
	zs, err := newZstdCompressor(config.Level)
	if err != nil {
		return nil, err
	}

	s := &Service{config: config, gzip: gz, zstd: zs}

	switch strings.ToLower(config.Algorithm) {
	case "", AlgorithmNone:
	case AlgorithmGzip:
		s.compressor = gz
	case AlgorithmZstd:
		s.compressor = zs
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}

	return s, nil
}

// Algorithm returns the configured algorithm
func (s *Service) Algorithm() string {
	if s.compressor == nil {
		return AlgorithmNone
	}
	return s.compressor.Algorithm()
}

// Encode returns the payload to store and the suffix to append to the blob
// name. Small, already compressed or incompressible values are stored as is
// with an empty suffix.
func (s *Service) Encode(data []byte) ([]byte, string, error) {
	if s.compressor == nil || int64(len(data)) < s.config.MinSize {
		return data, "", nil
	}

	if _, isCompressed := DetectCompression(data); isCompressed {
		return data, "", nil
	}

	compressed, err := s.compressor.Compress(data)
	if err != nil {
		return nil, "", err
	}

	// If compression didn't save space, return original
	if len(compressed) >= len(data) {
		return data, "", nil
	}

	return compressed, s.compressor.Extension(), nil
}

// Decode reverses Encode for the blob called name
func (s *Service) Decode(name string, payload []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(name, gzipExtension):
		return s.gzip.Decompress(payload)
	case strings.HasSuffix(name, zstdExtension):
		return s.zstd.Decompress(payload)
	default:
		return payload, nil
	}
}

// Close releases encoder resources
func (s *Service) Close() {
	if zs, ok := s.zstd.(*zstdCompressor); ok {
		zs.encoder.Close()
		zs.decoder.Close()
	}
}

// Gzip Compressor Implementation

type gzipCompressor struct {
	level int
}

func newGzipCompressor(level int) Compressor {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &gzipCompressor{level: level}
}

func (c *gzipCompressor) Algorithm() string { return AlgorithmGzip }
func (c *gzipCompressor) Extension() string { return gzipExtension }

// Compress compresses data using gzip
func (c *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to compress data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress decompresses gzip data
func (c *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("failed to decompress data: %w", err)
	}

	return buf.Bytes(), nil
}

// Zstd Compressor Implementation

// zstdCompressor shares one encoder and one decoder; EncodeAll and
// DecodeAll are safe for concurrent use.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(level int) (*zstdCompressor, error) {
	encLevel := zstd.SpeedDefault
	if level != 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCompressor) Algorithm() string { return AlgorithmZstd }
func (c *zstdCompressor) Extension() string { return zstdExtension }

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress data: %w", err)
	}
	return out, nil
}

// DetectCompression detects if data is already compressed
func DetectCompression(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}

	// Check for gzip magic number
	if data[0] == 0x1f && data[1] == 0x8b {
		return "gzip", true
	}

	// Check for other common compression signatures
	if len(data) >= 4 {
		// Zstandard
		if data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
			return "zstd", true
		}

		// ZIP
		if data[0] == 0x50 && data[1] == 0x4b && (data[2] == 0x03 || data[2] == 0x05) {
			return "zip", true
		}

		// LZ4
		if data[0] == 0x04 && data[1] == 0x22 && data[2] == 0x4d && data[3] == 0x18 {
			return "lz4", true
		}
	}

	if len(data) >= 6 {
		// 7-Zip
		if bytes.Equal(data[0:6], []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}) {
			return "7z", true
		}
	}

	return "", false
}
