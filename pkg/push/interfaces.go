package push

import (
	"context"
	"errors"
	"fmt"
)

// ErrPayloadRejected marks a batch the platform refused because of the message
// itself. Retrying it cannot succeed.
var ErrPayloadRejected = errors.New("payload rejected by platform")

// Receipt is the per-batch outcome reported by a Dispatcher.
type Receipt struct {
	Success int
	// Failed counts every token that was not delivered, including Invalid ones.
	Failed int
	// Invalid lists tokens the platform reported as permanently unusable.
	Invalid []string
}

// Retryable is the number of failures that were not caused by a dead token.
func (r Receipt) Retryable() int {
	return r.Failed - len(r.Invalid)
}

func (r Receipt) String() string {
	return fmt.Sprintf("success:%d invalid:%d total_fail:%d", r.Success, len(r.Invalid), r.Failed)
}

// Dispatcher defines the contract for a component that can deliver a notification
// to a batch of tokens on one delivery platform (FCM, APNs, Web Push).
type Dispatcher interface {
	// Dispatch sends the content to every token. A returned error means the whole
	// batch could not be attempted; per-token failures are reported in the Receipt.
	Dispatch(ctx context.Context, tokens []string, content Content) (Receipt, error)
}

// TokenWriter is the write side of the Remote Token Store.
// These are the only two mutations a device session performs.
type TokenWriter interface {
	// Upsert inserts the record or updates it in place when a row with the same
	// token already exists. The token value is the uniqueness key.
	Upsert(ctx context.Context, record TokenRecord) error

	// DeleteDeviceTokensExcept removes every row for deviceID whose token is not keepToken.
	DeleteDeviceTokensExcept(ctx context.Context, deviceID, keepToken string) error
}

// TokenStore is the full Remote Token Store used by the server side.
type TokenStore interface {
	TokenWriter

	// ListTokens returns all stored rows, optionally restricted to one device type.
	// An empty deviceType returns every row.
	ListTokens(ctx context.Context, deviceType string) ([]TokenRecord, error)

	// DeleteTokens removes the rows for the given token values. Missing tokens are ignored.
	DeleteTokens(ctx context.Context, tokens []string) error
}
