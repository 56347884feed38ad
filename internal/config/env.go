package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// envKeys maps viper keys to the environment variables overriding them.
var envKeys = []string{
	"listen",
	"timezone",
	"data_path",
	"storage",
	"reminder_hour",
	"reminder_minute",
	"reminder_interval_hours",
	"ignored_terms",
	"whitelist_users",
	"horizon_days",
	"refresh",
	"prune",
	"notifier_type",
	"notifier_url",
}

// ApplyEnv overrides cfg with values from the process environment and, if
// envFile names an existing file, from that dotenv file. Process
// environment wins over the file. IGNORED_TERMS is split on "||",
// WHITELIST_USERS on ",".
func ApplyEnv(cfg *Config, envFile string) error {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	for _, key := range envKeys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return err
		}
	}

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := strings.TrimSpace(v.GetString(key)); s != "" {
				*dst = s
			}
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("listen", &cfg.Listen)
	str("timezone", &cfg.Timezone)
	str("data_path", &cfg.DataPath)
	str("storage", &cfg.Storage)
	num("reminder_hour", &cfg.ReminderHour)
	num("reminder_minute", &cfg.ReminderMinute)
	num("reminder_interval_hours", &cfg.ReminderIntervalHours)
	num("horizon_days", &cfg.HorizonDays)
	str("refresh", &cfg.RefreshCron)
	str("prune", &cfg.PruneCron)
	str("notifier_type", &cfg.Notifier.Type)
	str("notifier_url", &cfg.Notifier.URL)

	if v.IsSet("ignored_terms") {
		cfg.IgnoredTerms = splitList(v.GetString("ignored_terms"), "||")
	}
	if v.IsSet("whitelist_users") {
		cfg.WhitelistUsers = splitList(v.GetString("whitelist_users"), ",")
	}

	cfg.Normalize()
	return nil
}

func splitList(s, sep string) []string {
	out := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
