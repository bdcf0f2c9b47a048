package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func Load() (Config, error) {
	cfg := Config{}

	cfg.PlatformPath = getEnv("IUT_PLATFORM_CONFIG", "platform.yml")
	cfg.Profile = getEnv("IUT_PROFILE", "default")
	cfg.ImageURL = os.Getenv("IUT_IMAGE_URL")
	cfg.AdminInterface = os.Getenv("IUT_ADMIN_INTERFACE")
	cfg.DiscoverMACs = getEnvBool("IUT_DISCOVER_MACS", true)
	cfg.Debug = getEnvBool("IUT_DEBUG", false)

	if cfg.ImageURL != "" {
		if err := ValidateImageURL(cfg.ImageURL); err != nil {
			return Config{}, fmt.Errorf("invalid IUT_IMAGE_URL: %w", err)
		}
	}

	cfg.Driver.Interpreter = getEnv("IUT_DRIVER_INTERPRETER", "python3")
	cfg.Driver.Dir = getEnv("IUT_DRIVER_DIR", "redfishapi")
	cfg.Driver.LogDir = getEnv("IUT_LOG_DIR", ".")
	minutes := getEnvInt("IUT_INSTALL_TIMEOUT_MINUTES", 120)
	if minutes <= 0 {
		return Config{}, fmt.Errorf("invalid IUT_INSTALL_TIMEOUT_MINUTES: %d", minutes)
	}
	cfg.Driver.Timeout = time.Duration(minutes) * time.Minute
	poll := getEnvInt("IUT_POLL_SECONDS", 10)
	if poll <= 0 {
		return Config{}, fmt.Errorf("invalid IUT_POLL_SECONDS: %d", poll)
	}
	cfg.Driver.PollInterval = time.Duration(poll) * time.Second

	cfg.Monitoring.URL = os.Getenv("IUT_MONITORING_URL")
	cfg.Monitoring.Port = getEnvInt("IUT_MONITORING_PORT", 8080)
	if cfg.Monitoring.Port <= 0 || cfg.Monitoring.Port > 65535 {
		return Config{}, fmt.Errorf("invalid IUT_MONITORING_PORT: %d", cfg.Monitoring.Port)
	}
	if fallbacks := os.Getenv("IUT_MONITORING_FALLBACK_PORTS"); fallbacks != "" {
		ports, err := parsePortList(fallbacks)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IUT_MONITORING_FALLBACK_PORTS: %w", err)
		}
		cfg.Monitoring.FallbackPorts = ports
	}
	waitMinutes := getEnvInt("IUT_WAIT_TIMEOUT_MINUTES", 60)
	if waitMinutes <= 0 {
		return Config{}, fmt.Errorf("invalid IUT_WAIT_TIMEOUT_MINUTES: %d", waitMinutes)
	}
	cfg.Monitoring.WaitTimeout = time.Duration(waitMinutes) * time.Minute

	cfg.Events.NATSURL = os.Getenv("IUT_NATS_URL")
	cfg.History.DSN = os.Getenv("IUT_HISTORY_DSN")

	cfg.Bundle.Dir = getEnv("IUT_BUNDLE_DIR", ".")
	cfg.Bundle.Bucket = os.Getenv("IUT_BUNDLE_BUCKET")
	cfg.Bundle.Prefix = getEnv("IUT_BUNDLE_PREFIX", "iut/logs")

	return cfg, nil
}

// ValidateImageURL checks that raw is an absolute http or https URL the BMCs
// can fetch.
func ValidateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// OwnIP returns the address the machines should download the boot image
// from: the first IPv4 address of iface when given, otherwise the source
// address of the default outbound route.
func OwnIP(iface string) (net.IP, error) {
	if strings.TrimSpace(iface) != "" {
		return interfaceIPv4(iface)
	}
	return outboundIPv4()
}

func interfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get the host IP address from provided network interface name %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("list addresses of %s: %w", name, err)
	}
	for _, addr := range addrs {
		var candidate net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			candidate = v.IP
		case *net.IPAddr:
			candidate = v.IP
		}
		if candidate == nil {
			continue
		}
		if v4 := candidate.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("failed to get the host IP address from provided network interface name %q", name)
}

// outboundIPv4 asks the kernel which local address routes to a public
// resolver. UDP dial sends no packet.
func outboundIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return nil, fmt.Errorf("failed to get the host IP address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return nil, fmt.Errorf("failed parsing host IP address %s", conn.LocalAddr())
	}
	return addr.IP.To4(), nil
}

// ImageURL returns override when set, otherwise the image URL served by the
// provisioning host for profile.
func ImageURL(override string, ownIP net.IP, profile string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf("https://%s/usb/%s/uos-efi.img", ownIP, profile)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func parsePortList(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	ports := make([]int, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		port, err := strconv.Atoi(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid integer", trimmed)
		}
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("port %d is outside the valid range 1-65535", port)
		}
		if _, exists := seen[port]; exists {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return nil, nil
	}
	return ports, nil
}
