package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/relaygate/relaygate/internal/app"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/db"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		os.Exit(1)
	}
}

// run parses flags, loads config, and starts the server. The -admin-user
// and -admin-pass flags bootstrap an admin account and exit.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relaygate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 8318, "control-plane listen port")
	migrateOnly := fs.Bool("migrate", false, "run database migrations and exit")
	adminUser := fs.String("admin-user", "", "create an admin account and exit (with -admin-pass)")
	adminPass := fs.String("admin-pass", "", "password for -admin-user")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	if *migrateOnly {
		return app.Migrate(ctx, appCfg)
	}
	if strings.TrimSpace(*adminUser) != "" {
		return createAdmin(appCfg, *adminUser, *adminPass)
	}

	return app.RunServer(ctx, appCfg, *port)
}

// createAdmin bootstraps an admin account against the configured database.
func createAdmin(cfg config.AppConfig, username, password string) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errCreate := app.CreateAdminUser(conn, username, password); errCreate != nil {
		return errCreate
	}
	log.Infof("admin account %q created", strings.TrimSpace(username))
	return nil
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
