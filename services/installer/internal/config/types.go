package config

import "time"

// Config holds the runtime settings of iutctl. Every field has an IUT_*
// environment variable; command line flags override them.
type Config struct {
	PlatformPath   string
	Profile        string
	ImageURL       string
	AdminInterface string
	DiscoverMACs   bool
	Debug          bool

	Driver     DriverConfig
	Monitoring MonitoringConfig
	Events     EventsConfig
	History    HistoryConfig
	Bundle     BundleConfig
}

type DriverConfig struct {
	Interpreter  string
	Dir          string
	LogDir       string
	Timeout      time.Duration
	PollInterval time.Duration
}

type MonitoringConfig struct {
	// URL points at an already running service. Empty starts one in-process.
	URL           string
	Port          int
	FallbackPorts []int
	WaitTimeout   time.Duration
}

type EventsConfig struct {
	NATSURL string
}

type HistoryConfig struct {
	DSN string
}

type BundleConfig struct {
	Dir    string
	Bucket string
	Prefix string
}
