package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"postpilot/internal/app"
	"postpilot/internal/job"
	"postpilot/internal/scheduler"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, demoExecutor)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)

	if err := a.Err(); err != nil && err != context.Canceled {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

// demoExecutor stands in for a real platform client: it pretends every action
// succeeded after a short pause. Embedders replace it via app.New.
func demoExecutor(ctx context.Context, accountID string, p job.Payload, progress func(string)) scheduler.ExecutionResult {
	progress(fmt.Sprintf("executing %s action for %s", p.Kind(), accountID))
	select {
	case <-ctx.Done():
		return scheduler.ExecutionResult{Error: ctx.Err().Error()}
	case <-time.After(500 * time.Millisecond):
	}
	return scheduler.ExecutionResult{Success: true, ResultID: uuid.NewString()}
}
