package applog

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/optakt/deltastore/deltaerr"
	"github.com/optakt/deltastore/digest"
)

// Magic bytes and version mark the header of every encoded record, the
// same way the teacher's checkpoint format does (ledger/wal/checkpointer.go:
// MagicBytes, VersionV3). Unlike the checkpoint format, there is a single
// current version: the record schema has no legacy variants to support.
const (
	recordMagic   uint16 = 0x44C5
	recordVersion uint16 = 0x01

	magicSize   = 2
	versionSize = 2
	headerSize  = digest.Size + magicSize + versionSize
)

var codec cbor.EncMode

func init() {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("could not initialize record codec: %w", err))
	}
	codec = mode
}

// Record is the unit of on-disk storage: either a full-text blob
// (BaseID == digest.Empty) or a delta against an earlier record.
type Record struct {
	ID          digest.ID
	BaseID      digest.ID
	Depth       uint32
	SubchainLen uint32
	ChainBytes  uint64
	Delta       []byte
}

// body is the CBOR-encoded tail of a record. ID is kept out of it since
// it is already placed raw in the first 20 bytes of the frame, so the
// index can locate a record's key without decoding the rest.
type body struct {
	BaseID      []byte
	Depth       uint32
	SubchainLen uint32
	ChainBytes  uint64
	Delta       []byte
}

// Encode serializes a record to its on-disk frame: 20 raw bytes of ID,
// followed by a small fixed header, followed by the CBOR-encoded
// remaining fields.
func Encode(r Record) ([]byte, error) {
	b := body{
		BaseID:      r.BaseID.Bytes(),
		Depth:       r.Depth,
		SubchainLen: r.SubchainLen,
		ChainBytes:  r.ChainBytes,
		Delta:       r.Delta,
	}
	encoded, err := codec.Marshal(&b)
	if err != nil {
		return nil, fmt.Errorf("could not encode record body: %w", err)
	}

	frame := make([]byte, 0, headerSize+len(encoded))
	frame = append(frame, r.ID.Bytes()...)
	var header [magicSize + versionSize]byte
	binary.BigEndian.PutUint16(header[:magicSize], recordMagic)
	binary.BigEndian.PutUint16(header[magicSize:], recordVersion)
	frame = append(frame, header[:]...)
	frame = append(frame, encoded...)

	return frame, nil
}

// Decode parses a frame produced by Encode. It returns deltaerr.ErrCorruptChain
// wrapped around the failure reason if the frame is too short, carries an
// unknown magic or version, or its CBOR tail cannot be decoded.
func Decode(frame []byte) (Record, error) {
	if len(frame) < headerSize {
		return Record{}, fmt.Errorf("%w: frame too short (%d bytes)", deltaerr.ErrCorruptChain, len(frame))
	}

	id, ok := digest.FromBytes(frame[:digest.Size])
	if !ok {
		return Record{}, fmt.Errorf("%w: malformed id", deltaerr.ErrCorruptChain)
	}

	magic := binary.BigEndian.Uint16(frame[digest.Size : digest.Size+magicSize])
	version := binary.BigEndian.Uint16(frame[digest.Size+magicSize : headerSize])
	if magic != recordMagic {
		return Record{}, fmt.Errorf("%w: unknown magic %x", deltaerr.ErrCorruptChain, magic)
	}
	if version != recordVersion {
		return Record{}, fmt.Errorf("%w: unsupported record version %d", deltaerr.ErrCorruptChain, version)
	}

	var b body
	err := cbor.Unmarshal(frame[headerSize:], &b)
	if err != nil {
		return Record{}, fmt.Errorf("%w: could not decode record body: %v", deltaerr.ErrCorruptChain, err)
	}

	baseID, ok := digest.FromBytes(b.BaseID)
	if !ok {
		return Record{}, fmt.Errorf("%w: malformed base id", deltaerr.ErrCorruptChain)
	}

	r := Record{
		ID:          id,
		BaseID:      baseID,
		Depth:       b.Depth,
		SubchainLen: b.SubchainLen,
		ChainBytes:  b.ChainBytes,
		Delta:       b.Delta,
	}
	return r, nil
}
