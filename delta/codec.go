// Package delta implements the binary delta codec (C2): it encodes a
// target payload as a small delta against a base payload, and reverses
// the operation. It is built on the zstandard dictionary mechanism the
// same way the teacher's codec layer uses a handful of static,
// pre-trained dictionaries (codec/zbor), generalized here to an
// arbitrary per-call base payload, which is exactly what zstd's
// "dictionary" argument is designed to accept.
package delta

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/optakt/deltastore/deltaerr"
)

// Diff encodes target as a delta against base. diff(empty, target) is
// valid and behaves as a compressed full-text, since a nil dictionary is
// simply zstd's normal compression mode.
func Diff(base, target []byte) ([]byte, error) {
	var opts []zstd.EOption
	opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if len(base) > 0 {
		opts = append(opts, zstd.WithEncoderDict(base))
	}

	encoder, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(target, make([]byte, 0, len(target))), nil
}

// Apply reverses Diff: it reconstructs the target payload by applying
// delta against base. It fails with deltaerr.ErrCorruptDelta if the delta
// bytes are malformed or do not decode against the given base.
func Apply(base, delta []byte) ([]byte, error) {
	var opts []zstd.DOption
	if len(base) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(base))
	}

	decoder, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create decoder: %w", err)
	}
	defer decoder.Close()

	target, err := decoder.DecodeAll(delta, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deltaerr.ErrCorruptDelta, err)
	}

	return target, nil
}
