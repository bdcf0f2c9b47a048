package config

import (
	"net"
	"reflect"
	"testing"
	"time"
)

func TestParsePortList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []int
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  nil,
		},
		{
			name:  "dedupe and trim",
			input: "8081, 8082,8081,,8083",
			want:  []int{8081, 8082, 8083},
		},
		{
			name:    "invalid integer",
			input:   "abc",
			wantErr: true,
		},
		{
			name:    "out of range",
			input:   "70000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePortList(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePortList() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parsePortList() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Driver.Timeout != 120*time.Minute {
		t.Fatalf("Driver.Timeout = %s, want 2h0m0s", cfg.Driver.Timeout)
	}
	if cfg.Driver.PollInterval != 10*time.Second {
		t.Fatalf("Driver.PollInterval = %s, want 10s", cfg.Driver.PollInterval)
	}
	if cfg.Monitoring.Port != 8080 {
		t.Fatalf("Monitoring.Port = %d, want 8080", cfg.Monitoring.Port)
	}
	if !cfg.DiscoverMACs {
		t.Fatalf("DiscoverMACs = false, want true")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IUT_INSTALL_TIMEOUT_MINUTES", "30")
	t.Setenv("IUT_MONITORING_FALLBACK_PORTS", "9090,9091")
	t.Setenv("IUT_IMAGE_URL", "http://10.0.0.1/img")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Driver.Timeout != 30*time.Minute {
		t.Fatalf("Driver.Timeout = %s, want 30m0s", cfg.Driver.Timeout)
	}
	if !reflect.DeepEqual(cfg.Monitoring.FallbackPorts, []int{9090, 9091}) {
		t.Fatalf("FallbackPorts = %v", cfg.Monitoring.FallbackPorts)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"IUT_INSTALL_TIMEOUT_MINUTES", "0"},
		{"IUT_POLL_SECONDS", "-1"},
		{"IUT_MONITORING_PORT", "70000"},
		{"IUT_MONITORING_FALLBACK_PORTS", "x"},
		{"IUT_IMAGE_URL", "ftp://host/img"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestImageURL(t *testing.T) {
	ip := net.ParseIP("192.168.1.5")
	if got := ImageURL("", ip, "minimal"); got != "https://192.168.1.5/usb/minimal/uos-efi.img" {
		t.Fatalf("ImageURL() = %s", got)
	}
	if got := ImageURL("http://mirror/img", ip, "minimal"); got != "http://mirror/img" {
		t.Fatalf("ImageURL() override = %s", got)
	}
}

func TestOwnIPUnknownInterface(t *testing.T) {
	if _, err := OwnIP("does-not-exist0"); err == nil {
		t.Fatal("OwnIP() succeeded for a missing interface")
	}
}

func TestOwnIPLoopback(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("list interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback == 0 {
			continue
		}
		ip, err := OwnIP(iface.Name)
		if err != nil {
			t.Skipf("loopback %s has no IPv4 address: %v", iface.Name, err)
		}
		if !ip.IsLoopback() {
			t.Fatalf("OwnIP(%s) = %s, want loopback", iface.Name, ip)
		}
		return
	}
	t.Skip("no loopback interface")
}

func TestValidateImageURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"https://10.0.0.1/usb/edge/uos-efi.img", false},
		{"http://mirror.example/img", false},
		{"foo", true},
		{"ftp://host/img", true},
		{"https:///img", true},
		{"http://[::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			err := ValidateImageURL(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateImageURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}
