package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between left and right until either side
// reaches EOF or errors, or ctx is canceled. Both connections are closed on
// exit so the opposite io.Copy unblocks promptly.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		_, err := io.Copy(left, right)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(right, left)
		closeBoth()
		return err
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	return g.Wait()
}
