// Package redfish is a minimal Redfish client for reading the network
// adapters of a machine through its BMC.
package redfish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout is generous because BMCs answer slowly while they mount
// virtual media.
const DefaultTimeout = 90 * time.Second

const rootPath = "/redfish/v1"

// ErrNotFound is returned for endpoints the BMC lists but cannot serve.
var ErrNotFound = errors.New("redfish: resource not found")

// Client talks to a single BMC.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
	systemID string
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which skips certificate
// verification because BMCs ship self-signed certificates.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the BMC at address (host or host:port).
func New(address, username, password string, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- BMC certificates are self-signed
	c := &Client{
		base:     "https://" + strings.TrimSuffix(address, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type link struct {
	ID string `json:"@odata.id"`
}

type collection struct {
	Members []link `json:"Members"`
}

type adapter struct {
	Controllers []struct {
		Links struct {
			NetworkPorts []link `json:"NetworkPorts"`
		} `json:"Links"`
	} `json:"Controllers"`
}

// Port is a network port or device function of an adapter.
type Port struct {
	ID                         string   `json:"Id"`
	Name                       string   `json:"Name"`
	AssociatedNetworkAddresses []string `json:"AssociatedNetworkAddresses"`
}

func (c *Client) url(endpoint string) string {
	if !strings.HasPrefix(endpoint, rootPath) {
		endpoint = rootPath + endpoint
	}
	return c.base + endpoint
}

func (c *Client) get(ctx context.Context, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("get %s: %w", endpoint, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("get %s: unexpected status %s: %s", endpoint, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// SystemID returns the id of the first system managed by the BMC.
func (c *Client) SystemID(ctx context.Context) (string, error) {
	if c.systemID != "" {
		return c.systemID, nil
	}
	var systems collection
	if err := c.get(ctx, "/Systems", &systems); err != nil {
		return "", err
	}
	if len(systems.Members) == 0 {
		return "", errors.New("redfish: no systems reported")
	}
	c.systemID = strings.TrimPrefix(systems.Members[0].ID, rootPath+"/Systems/")
	return c.systemID, nil
}

// NetworkPorts walks the chassis network adapters down to their ports.
// Adapters the BMC lists but cannot serve are skipped.
func (c *Client) NetworkPorts(ctx context.Context) ([]Port, error) {
	systemID, err := c.SystemID(ctx)
	if err != nil {
		return nil, err
	}

	var adapters collection
	if err := c.get(ctx, "/Chassis/"+systemID+"/NetworkAdapters", &adapters); err != nil {
		return nil, err
	}

	var ports []Port
	for _, member := range adapters.Members {
		var a adapter
		if err := c.get(ctx, member.ID, &a); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(a.Controllers) == 0 {
			continue
		}
		for _, p := range a.Controllers[0].Links.NetworkPorts {
			var port Port
			if err := c.get(ctx, p.ID, &port); err != nil {
				return nil, err
			}
			ports = append(ports, port)
		}
	}
	return ports, nil
}

// MACs returns every network address associated with the machine's ports.
func (c *Client) MACs(ctx context.Context) ([]string, error) {
	ports, err := c.NetworkPorts(ctx)
	if err != nil {
		return nil, err
	}
	var macs []string
	for _, p := range ports {
		macs = append(macs, p.AssociatedNetworkAddresses...)
	}
	return macs, nil
}
