// Command reconcile verifies ledger parity against the raw request log and
// exits non-zero when a critical check fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/db"
	"github.com/relaygate/relaygate/internal/ledger"
)

func main() {
	if errRun := run(context.Background(), os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("reconciliation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	appCfg, errLoad := config.LoadFromEnv()
	if errLoad != nil {
		return errLoad
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}

	report, errReconcile := ledger.Reconcile(ctx, conn)
	if errReconcile != nil {
		return errReconcile
	}

	for _, check := range report.Checks {
		status := "ok"
		if !check.Passed {
			status = "FAIL"
			if !check.Critical {
				status = "warn"
			}
		}
		fmt.Printf("%-20s %-4s %s\n", check.Name, status, check.Detail)
	}

	if report.Failed() {
		return fmt.Errorf("critical ledger checks failed")
	}
	return nil
}
