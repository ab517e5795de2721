package chain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Default tuning parameters, matching the typical defaults named in
// spec §4.4.1.
const (
	DefaultMaxDepth          = 5
	DefaultMaxSubchainLen    = 4
	DefaultMaxChainBytes     = 500 << 20 // 500 MB
	DefaultMaxChainFactorLog = 1         // chain <= 2x payload
)

// DeltaOptions bounds the shape of every delta chain in the store (§4.4.1).
type DeltaOptions struct {
	// MaxDepth is the maximum value of Depth on any record.
	MaxDepth uint32 `validate:"gte=1"`
	// MaxSubchainLen is the maximum value of SubchainLen+1: the number
	// of siblings sharing a depth on a chain to root.
	MaxSubchainLen uint32 `validate:"gte=1"`
	// MaxChainBytes is the absolute cap on ChainBytes.
	MaxChainBytes uint64 `validate:"gte=1"`
	// MaxChainFactorLog rejects a chain whose ChainBytes exceeds
	// len(payload) << MaxChainFactorLog.
	MaxChainFactorLog uint `validate:"gte=0"`
}

// DefaultDeltaOptions is the store's default configuration.
var DefaultDeltaOptions = DeltaOptions{
	MaxDepth:          DefaultMaxDepth,
	MaxSubchainLen:    DefaultMaxSubchainLen,
	MaxChainBytes:     DefaultMaxChainBytes,
	MaxChainFactorLog: DefaultMaxChainFactorLog,
}

// Validate rejects configurations spec §4.4.1 could never satisfy,
// following the teacher's use of go-playground/validator on request
// models rather than hand-rolled field checks.
func (o DeltaOptions) Validate() error {
	v := validator.New()
	err := v.Struct(o)
	if err != nil {
		return fmt.Errorf("invalid delta options: %w", err)
	}
	return nil
}

// maxAllowedChainBytes returns the effective chain_bytes cap for a
// payload of the given length, per spec §4.4.5.
func (o DeltaOptions) maxAllowedChainBytes(payloadLen int) uint64 {
	factorCap := uint64(payloadLen) << o.MaxChainFactorLog
	if factorCap < o.MaxChainBytes {
		return factorCap
	}
	return o.MaxChainBytes
}
