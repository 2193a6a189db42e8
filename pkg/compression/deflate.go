// Package compression implements ZLIB payload compression for AS2
// compressed-data content
package compression

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// Compressor handles payload compression
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: zlib.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// Compress compresses data using ZLIB
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := zlib.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zlib writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress decompresses ZLIB data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}

	return buf.Bytes(), nil
}

// ShouldCompress determines if payload should be compressed based on content type
func ShouldCompress(contentType string) bool {
	// Don't compress already compressed formats
	compressedTypes := map[string]bool{
		"application/gzip":   true,
		"application/zip":    true,
		"application/x-gzip": true,
		"image/jpeg":         true,
		"image/png":          true,
		"video/mp4":          true,
	}

	return !compressedTypes[contentType]
}
