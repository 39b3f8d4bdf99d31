//go:build !unix

package main

import "context"

func watchForeground(ctx context.Context, onForeground func()) {
	<-ctx.Done()
}
