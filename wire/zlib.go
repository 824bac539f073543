package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// deflate compresses a payload for one of the compressed message families.
func deflate(payload []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish compressed payload: %w", err)
	}
	return out.Bytes(), nil
}

// inflate decompresses a payload with a hard output ceiling. Output is
// streamed, never collected into a fixed-size buffer: a payload inflating
// beyond limit fails with ErrInflateTooLarge instead of truncating, which is
// the decompression-bomb guard.
func inflate(payload []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, ErrNotCompressed
	}
	defer func() {
		_ = zr.Close()
	}()

	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	if n > limit {
		return nil, ErrInflateTooLarge
	}
	return out.Bytes(), nil
}

// inflatePrefix decompresses at most n output bytes, enough to peek at the
// leading fields of a compressed payload without inflating the whole stream.
func inflatePrefix(payload []byte, n int, limit int64) ([]byte, error) {
	if int64(n) > limit {
		n = int(limit)
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, ErrNotCompressed
	}
	defer func() {
		_ = zr.Close()
	}()

	out := make([]byte, n)
	read, err := io.ReadFull(zr, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("decompress payload prefix: %w", err)
	}
	return out[:read], nil
}
