// Command ingestor fetches Mythic+ leaderboards, stages them as shards, merges
// them into PostgreSQL and refreshes the aggregate views.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close(ctx)
	stop()

	os.Exit(exitCode(err))
}
