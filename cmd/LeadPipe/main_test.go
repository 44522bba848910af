package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

// resetFlags replaces the global flag set so each test can parse fresh flags.
func resetFlags(t *testing.T, args ...string) {
	t.Helper()
	oldArgs := os.Args
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	os.Args = append([]string{"leadpipe"}, args...)
	t.Cleanup(func() {
		os.Args = oldArgs
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	})
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"LEADPIPE_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN", "ASSET_DIR",
		"MESSAGING_BACKEND", "BATCH_SCHEDULE", "CRM_BASE_URL",
	} {
		t.Setenv(key, "")
	}

	config := loadEnvironmentConfig()
	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", config.StateDir, DefaultStateDir)
	}
	if config.WhatsAppDSN != filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) {
		t.Errorf("WhatsAppDSN = %q", config.WhatsAppDSN)
	}
	if config.AssetDir != filepath.Join(DefaultStateDir, "assets") {
		t.Errorf("AssetDir = %q", config.AssetDir)
	}
	if config.Messenger != "whatsapp" {
		t.Errorf("Messenger = %q, want whatsapp", config.Messenger)
	}
	if config.BatchCron == "" {
		t.Error("BatchCron must default to a cadence")
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	t.Setenv("LEADPIPE_STATE_DIR", "/tmp/lp-test")
	t.Setenv("MESSAGING_BACKEND", "twilio")
	t.Setenv("BATCH_SCHEDULE", "*/5 * * * *")
	t.Setenv("WHATSAPP_DB_DSN", "")
	t.Setenv("ASSET_DIR", "")

	config := loadEnvironmentConfig()
	if config.StateDir != "/tmp/lp-test" {
		t.Errorf("StateDir = %q", config.StateDir)
	}
	if config.WhatsAppDSN != "/tmp/lp-test/whatsmeow.db" {
		t.Errorf("WhatsAppDSN = %q", config.WhatsAppDSN)
	}
	if config.Messenger != "twilio" {
		t.Errorf("Messenger = %q", config.Messenger)
	}
	if config.BatchCron != "*/5 * * * *" {
		t.Errorf("BatchCron = %q", config.BatchCron)
	}
}

func TestParseCommandLineFlagsDBDefault(t *testing.T) {
	resetFlags(t)
	config := Config{StateDir: "/tmp/lp-state"}

	flags := parseCommandLineFlags(config)
	want := filepath.Join("/tmp/lp-state", DefaultDBFileName)
	if *flags.dbDSN != want {
		t.Errorf("dbDSN = %q, want %q", *flags.dbDSN, want)
	}
}

func TestParseCommandLineFlagsStateDirOverride(t *testing.T) {
	resetFlags(t, "-state-dir", "/tmp/lp-other")
	config := Config{
		StateDir:    "/tmp/lp-state",
		WhatsAppDSN: filepath.Join("/tmp/lp-state", DefaultWhatsAppDBFileName),
		AssetDir:    filepath.Join("/tmp/lp-state", "assets"),
	}

	flags := parseCommandLineFlags(config)
	if *flags.waDSN != filepath.Join("/tmp/lp-other", DefaultWhatsAppDBFileName) {
		t.Errorf("waDSN = %q, should follow the state dir", *flags.waDSN)
	}
	if *flags.assetDir != filepath.Join("/tmp/lp-other", "assets") {
		t.Errorf("assetDir = %q, should follow the state dir", *flags.assetDir)
	}
	if *flags.dbDSN != filepath.Join("/tmp/lp-other", DefaultDBFileName) {
		t.Errorf("dbDSN = %q, should land in the new state dir", *flags.dbDSN)
	}
}

func TestParseCommandLineFlagsExplicitDSNWins(t *testing.T) {
	resetFlags(t, "-db-dsn", "postgres://lead:pw@db/leads")
	config := Config{StateDir: "/tmp/lp-state"}

	flags := parseCommandLineFlags(config)
	if *flags.dbDSN != "postgres://lead:pw@db/leads" {
		t.Errorf("dbDSN = %q", *flags.dbDSN)
	}
}
