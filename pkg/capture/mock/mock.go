package mock

import (
	"context"
	"fmt"

	"github.com/fieldside/dispatch/pkg/capture"
)

// Acquirer is a scriptable capture fake for tests. With no script set it
// hands out sequential refs.
type Acquirer struct {
	ImageErr     error
	SignatureErr error
	count        int
}

var _ capture.Acquirer = (*Acquirer)(nil)

func (a *Acquirer) AcquireImage(ctx context.Context) (string, error) {
	if a.ImageErr != nil {
		return "", a.ImageErr
	}
	a.count++
	return fmt.Sprintf("mock://image/%d", a.count), nil
}

func (a *Acquirer) AcquireSignature(ctx context.Context) (string, error) {
	if a.SignatureErr != nil {
		return "", a.SignatureErr
	}
	a.count++
	return fmt.Sprintf("mock://signature/%d", a.count), nil
}
