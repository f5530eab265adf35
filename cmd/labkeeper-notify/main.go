// Command labkeeper-notify performs one expiration notification run and
// exits. It is meant for cron or a systemd timer.
//
// Exit status is 0 once the run completes, even if some mails failed. It is
// non-zero only when the configuration is invalid, items cannot be loaded,
// or another run holds the ledger lock.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"labkeeper/internal/app"
	"labkeeper/internal/expiry"
	"labkeeper/internal/notify"
	logx "labkeeper/pkg/logx"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath string
		dryRun  bool
		date    string
		verbose bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.BoolVar(&dryRun, "dry-run", false, "log decisions without sending mail or writing the ledger")
	flag.StringVar(&date, "date", "", "evaluate as of this day (YYYY-MM-DD) instead of today")
	flag.BoolVar(&verbose, "verbose", false, "debug logging to console")
	flag.Parse()

	opts := notify.RunOptions{DryRun: dryRun}
	if date != "" {
		day, err := expiry.ParseDay(date)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -date:", err)
			return 2
		}
		opts.Today = day
	}

	a, err := app.New(cfgPath, app.Options{Mode: app.ModeNotify, Verbose: verbose, Version: version})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()
	log := a.Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sum, err := a.NotifyOnce(ctx, opts)
	if err != nil {
		log.Error("notification run failed", logx.Err(err))
		return 1
	}
	if sum.Errors > 0 {
		log.Warn("some notifications were not delivered", logx.Int("errors", sum.Errors))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
	return 0
}
