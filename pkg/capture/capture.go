package capture

import (
	"context"
	"errors"
)

// ErrCancelled means the worker dismissed the capture flow without a result.
var ErrCancelled = errors.New("capture cancelled")

// Acquirer abstracts the camera/gallery and signature-pad surfaces. It
// returns opaque media refs; how the bytes are produced or compressed is the
// host application's concern.
type Acquirer interface {
	// AcquireImage returns a media ref, or ErrCancelled when dismissed.
	AcquireImage(ctx context.Context) (string, error)
	// AcquireSignature returns a ref to the rendered signature image.
	AcquireSignature(ctx context.Context) (string, error)
}
