package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"remindcal/internal/access"
	"remindcal/internal/clock"
	"remindcal/internal/config"
	"remindcal/internal/ics"
	"remindcal/internal/ingest"
	appLog "remindcal/internal/log"
	"remindcal/internal/notify"
	"remindcal/internal/recovery"
	"remindcal/internal/reminder"
	"remindcal/internal/store"
	"remindcal/internal/subscription"
	"remindcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	pretty     bool
	debug      bool
}

func main() {
	flags := parseFlags()

	if flags.pretty {
		appLog.SetOutput(os.Stderr, true)
	}
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("remindcal starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := config.ApplyEnv(conf, flags.envFile); err != nil {
		appLog.Error("failed to apply environment overrides", err, "env_file", flags.envFile)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone; falling back to local", err, "timezone", conf.Timezone)
		loc = time.Local
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"data_path", conf.DataPath,
		"storage", conf.Storage,
		"reminder_hour", conf.ReminderHour,
		"reminder_minute", conf.ReminderMinute,
		"reminder_interval_hours", conf.ReminderIntervalHours,
		"ignored_terms", len(conf.IgnoredTerms),
		"whitelist_users", len(conf.WhitelistUsers),
		"subscriptions", len(conf.Subscriptions),
		"notifier", conf.Notifier.Type,
	)

	st, err := openStore(conf)
	if err != nil {
		appLog.Error("failed to open storage", err, "storage", conf.Storage, "data_path", conf.DataPath)
		os.Exit(1)
	}
	defer st.Close()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	outbox := notify.NewQueue(buildNotifier(conf), 256)
	go outbox.Run(ctx)

	policy := conf.Policy()
	c := reminder.NewCron()
	sched := reminder.NewScheduler(
		reminder.NewRegistry(st),
		reminder.NewCronTimers(c),
		outbox,
		ingest.NewPipeline(conf.IgnoredTerms, policy),
		policy,
		clock.NewSystem(),
	)

	// Timers are armed before the cron loop starts; entries added to a
	// stopped cron are picked up by Start.
	if _, err := recovery.NewManager(sched).Run(ctx); err != nil {
		appLog.Error("recovery failed", err)
	}

	allow := access.NewWhitelist(conf.WhitelistUsers)
	decoder := ics.Decoder{Location: loc, Horizon: conf.Horizon()}

	var syncer *subscription.Syncer
	if len(conf.Subscriptions) > 0 {
		sources := make([]ics.Source, 0, len(conf.Subscriptions))
		for _, sub := range conf.Subscriptions {
			sources = append(sources, ics.Source{UserID: sub.User, Name: sub.Name, URL: sub.URL})
		}
		fetcher := ics.NewFetcher(filepath.Join(conf.DataPath, "ics-cache"), 15*time.Second)
		syncer = subscription.NewSyncer(fetcher, decoder, sched, allow, sources)

		if _, err := c.AddFunc(conf.RefreshCron, func() {
			if err := syncer.SyncAll(ctx); err != nil {
				appLog.Error("scheduled subscription refresh had failures", err)
			}
		}); err != nil {
			appLog.Error("invalid refresh schedule; subscriptions only sync at startup", err, "refresh", conf.RefreshCron)
		}
	}

	if _, err := c.AddFunc(conf.PruneCron, func() { sched.PruneAll(ctx) }); err != nil {
		appLog.Error("invalid prune schedule; pruning only on list and recovery", err, "prune", conf.PruneCron)
	}

	c.Start()
	appLog.Info("scheduler started", "jobs", len(c.Entries()))

	if syncer != nil {
		go func() {
			if err := syncer.SyncAll(ctx); err != nil {
				appLog.Error("initial subscription sync had failures", err)
			}
		}()
	}

	srv := web.NewServer(conf, sched, decoder, allow, syncer)
	if err := srv.Run(ctx); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		cancel()
	}

	<-c.Stop().Done()
	appLog.Info("remindcal exiting")
}

func openStore(conf *config.Config) (store.Store, error) {
	switch conf.Storage {
	case config.StorageSQLite:
		if err := os.MkdirAll(conf.DataPath, 0o700); err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(filepath.Join(conf.DataPath, "remindcal.db"))
	case config.StorageFile:
		return store.NewFileStore(conf.DataPath)
	default:
		return nil, errors.New("unknown storage backend " + conf.Storage)
	}
}

func buildNotifier(conf *config.Config) notify.Notifier {
	if conf.Notifier.Type == config.NotifierWebhook {
		return notify.NewWebhook(conf.Notifier.URL, 10*time.Second)
	}
	return notify.LogNotifier{}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/remindcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file with overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.pretty, "pretty", false, "Human-readable console logs instead of JSON")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
