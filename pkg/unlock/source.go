package unlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

// ConfirmationSource yields the transaction hash that proves an unlock
// happened on chain.
type ConfirmationSource interface {
	TxHash(ctx context.Context, e events.UnlockEvent) (string, error)
}

// RandomHashSource fabricates hashes of the form 0x followed by 26 hex digits.
// It stands in for a chain listener.
type RandomHashSource struct{}

func (RandomHashSource) TxHash(context.Context, events.UnlockEvent) (string, error) {
	var b [13]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate tx hash: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// SourceFunc adapts a function to ConfirmationSource.
type SourceFunc func(ctx context.Context, e events.UnlockEvent) (string, error)

func (f SourceFunc) TxHash(ctx context.Context, e events.UnlockEvent) (string, error) {
	return f(ctx, e)
}
