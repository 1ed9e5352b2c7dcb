package chunkstore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithms. The name is stored as the prefix of every chunk hash, so a
// store can change its hashing policy without orphaning existing chunks.
const (
	HashBlake3  = "blake3"
	HashBlake2b = "blake2b"
)

// Compression codecs. The codec actually applied is recorded per chunk.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// Location policies.
const (
	LocationExternal = "external"
	LocationInline   = "inline"
	LocationAuto     = "auto"
)

// HashBytes computes the self-describing content hash "<alg>:<hex>" of data.
func HashBytes(alg string, data []byte) (string, error) {
	var sum [32]byte
	switch alg {
	case HashBlake3:
		sum = blake3.Sum256(data)
	case HashBlake2b:
		sum = blake2b.Sum256(data)
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", alg)
	}
	return alg + ":" + hex.EncodeToString(sum[:]), nil
}

// hashAlgorithm returns the algorithm prefix of a chunk hash.
func hashAlgorithm(hash string) (string, bool) {
	alg, _, ok := strings.Cut(hash, ":")
	return alg, ok
}

// validateChunkPolicy checks that policy is a chunker string boxo understands:
// "size-<n>", "rabin[-min-avg-max]" or "buzhash".
func validateChunkPolicy(policy string) error {
	_, err := chunker.FromString(bytes.NewReader(nil), policy)
	if err != nil {
		return fmt.Errorf("invalid chunk policy %q: %w", policy, err)
	}
	return nil
}

var errIncompressible = errors.New("data is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use via
// EncodeAll/DecodeAll, so one of each serves the whole process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunkstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunkstore: zstd decoder initialization failed: " + err.Error())
	}
}

func validateCompression(name string) error {
	switch name {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return nil
	default:
		return fmt.Errorf("unknown compression %q", name)
	}
}

// compress encodes data with the named codec. Incompressible data is returned
// unchanged with codec "none".
func compress(name string, data []byte) ([]byte, string, error) {
	var (
		out []byte
		err error
	)
	switch name {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, "", fmt.Errorf("unknown compression %q", name)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, name, nil
}

// decompress reverses compress and checks the result has the recorded size.
func decompress(name string, stored []byte, size int64) ([]byte, error) {
	switch name {
	case CompressionNone, "":
		if int64(len(stored)) != size {
			return nil, fmt.Errorf("stored chunk: size %d does not match expected %d", len(stored), size)
		}
		return stored, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(n) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(out)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// 0 means lz4 judged the block incompressible.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
