// Command ctl holds the operator commands for one fleet.
//
//	ctl scheduler {pause|resume|enable|disable|status} --tenant=T
//	ctl trigger-scheduler-event <method> --tenant=T
//	ctl purge-jobs [--queue=Q] [--event=E] [--tenant=T]
//	ctl ready-for-migration --tenant=T
//	ctl sync-jobs [--tenant=T]
//	ctl stop-job-definition <method> --tenant=T [--resume]
//	ctl purge-job-runs --tenant=T [--days=30]
//	ctl provision-acl --user=U --password=P
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"site-scheduler/internal/admin"
	"site-scheduler/internal/bootstrap"
	"site-scheduler/internal/config"
	"site-scheduler/internal/logging"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ctl <scheduler|trigger-scheduler-event|purge-jobs|ready-for-migration|sync-jobs|stop-job-definition|purge-job-runs|provision-acl> [args]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cfg := config.Load()
	logger := logging.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code, err := run(ctx, cfg, logger, os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd string, args []string) (int, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	tenantName := fs.String("tenant", "", "tenant (site) name")
	queueName := fs.String("queue", "", "queue name")
	event := fs.String("event", "", "event name")
	days := fs.Int("days", 30, "age in days")
	resume := fs.Bool("resume", false, "clear the stopped flag instead of setting it")
	user := fs.String("user", "", "broker ACL user")
	password := fs.String("password", "", "broker ACL password")

	// Positional arguments come first, flags after.
	var positional []string
	for len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		positional = append(positional, args[0])
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 2, err
	}
	positional = append(positional, fs.Args()...)

	if cmd == "provision-acl" {
		return provisionACL(ctx, cfg, *user, *password)
	}

	rt, err := bootstrap.Build(cfg, logger)
	if err != nil {
		return 1, err
	}
	defer rt.Close()
	adm := admin.New(rt.Connector, rt.Registry, rt.Broker, cfg.QueueNames(), rt.Hooks, os.Stdout, logger)

	needTenant := func() error {
		if *tenantName == "" {
			return errors.New("--tenant is required")
		}
		return nil
	}

	switch cmd {
	case "scheduler":
		if len(positional) != 1 {
			return 2, errors.New("scheduler needs one of pause, resume, enable, disable, status")
		}
		if err := needTenant(); err != nil {
			return 2, err
		}
		_, err := adm.SchedulerFlag(ctx, *tenantName, positional[0])
		if errors.Is(err, admin.ErrUnknownAction) {
			return 2, err
		}
		return exitCode(err)

	case "trigger-scheduler-event":
		if len(positional) != 1 {
			return 2, errors.New("trigger-scheduler-event needs a method")
		}
		if err := needTenant(); err != nil {
			return 2, err
		}
		status, err := adm.TriggerEvent(ctx, *tenantName, positional[0])
		if err == nil && status == models.RunFailed {
			return 1, nil
		}
		return exitCode(err)

	case "purge-jobs":
		_, err := adm.PurgeJobs(ctx, *queueName, *tenantName, *event)
		return exitCode(err)

	case "ready-for-migration":
		if err := needTenant(); err != nil {
			return 2, err
		}
		ready, err := adm.ReadyForMigration(ctx, *tenantName)
		if err == nil && !ready {
			return 1, nil
		}
		return exitCode(err)

	case "sync-jobs":
		tenants := []string{*tenantName}
		if *tenantName == "" {
			if tenants, err = rt.Directory.Tenants(ctx); err != nil {
				return 1, err
			}
		}
		var errs []error
		for _, name := range tenants {
			if _, err := adm.SyncJobs(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return exitCode(errors.Join(errs...))

	case "stop-job-definition":
		if len(positional) != 1 {
			return 2, errors.New("stop-job-definition needs a method")
		}
		if err := needTenant(); err != nil {
			return 2, err
		}
		return exitCode(adm.SetStopped(ctx, *tenantName, positional[0], !*resume))

	case "purge-job-runs":
		if err := needTenant(); err != nil {
			return 2, err
		}
		_, err := adm.PurgeRuns(ctx, *tenantName, *days)
		return exitCode(err)
	}
	return 2, fmt.Errorf("unknown command %q", cmd)
}

func provisionACL(ctx context.Context, cfg config.Config, user, password string) (int, error) {
	if user == "" || password == "" {
		return 2, errors.New("--user and --password are required")
	}
	adminClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisAdminUsername,
		Password: cfg.RedisAdminPassword,
		DB:       cfg.RedisDB,
	})
	defer adminClient.Close()
	if err := queue.ProvisionACL(ctx, adminClient, cfg.FleetID, user, password); err != nil {
		return 1, err
	}
	fmt.Printf("ACL user %s confined to fleet %s\n", user, cfg.FleetID)
	return 0, nil
}

func exitCode(err error) (int, error) {
	if err != nil {
		return 1, err
	}
	return 0, nil
}
