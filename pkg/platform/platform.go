// Package platform loads the operator's platform configuration: the clusters
// to provision, their host groups and the BMC credentials of each host.
package platform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"iut/pkg/apperr"
)

// Config is the subset of the platform configuration the provisioning run
// consumes.
type Config struct {
	AdminInterface string    `yaml:"admin_interface,omitempty"`
	Clusters       []Cluster `yaml:"clusters"`
}

type Cluster struct {
	Name string `yaml:"name"`
	Hosts HostGroups `yaml:"hosts"`
}

// HostGroups keeps the host groups (controller, edgenode ...) in document
// order so machines are launched in the order the operator wrote them.
type HostGroups []HostGroup

type HostGroup struct {
	Name  string
	Hosts []Host
}

func (g *HostGroups) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: hosts must be a mapping of groups", node.Line)
	}
	groups := make(HostGroups, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var group HostGroup
		group.Name = node.Content[i].Value
		if err := node.Content[i+1].Decode(&group.Hosts); err != nil {
			return fmt.Errorf("group %q: %w", group.Name, err)
		}
		groups = append(groups, group)
	}
	*g = groups
	return nil
}

// Group returns the hosts of the named group.
func (g HostGroups) Group(name string) []Host {
	for _, group := range g {
		if group.Name == name {
			return group.Hosts
		}
	}
	return nil
}

// Host is one entry of a host group. An entry carrying nothing but a name is
// a link to a host declared in another group of the same cluster.
type Host struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address,omitempty"`
	BMC     *BMC   `yaml:"bmc,omitempty"`

	link bool
}

type BMC struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// IsLink reports whether the entry only references another host.
func (h Host) IsLink() bool { return h.link }

func (h *Host) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: host must be a mapping", node.Line)
	}
	type plain Host
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*h = Host(decoded)
	// Content holds key/value pairs.
	h.link = len(node.Content) == 2
	return nil
}

// Load reads and validates the platform configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.New(apperr.KindFile, "open platform config", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a platform configuration document.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.New(apperr.KindFile, "read platform config", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperr.Errorf(apperr.KindConfig, "parse platform config", "document is empty")
		}
		return nil, apperr.New(apperr.KindConfig, "parse platform config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural rules the provisioning run relies on:
// unique cluster names, unique host names within a group, fleet-wide unique
// host and BMC addresses, links pointing at a real host of the cluster, and
// complete BMC credentials.
func (c *Config) Validate() error {
	const op = "validate platform config"
	if len(c.Clusters) == 0 {
		return apperr.Errorf(apperr.KindConfig, op, "no clusters defined")
	}

	var clusterNames, addresses, bmcs []string
	for _, cluster := range c.Clusters {
		if cluster.Name == "" {
			return apperr.Errorf(apperr.KindConfig, op, "cluster without a name")
		}
		clusterNames = append(clusterNames, cluster.Name)

		declared := map[string]bool{}
		for _, group := range cluster.Hosts {
			var names []string
			for _, host := range group.Hosts {
				if host.Name == "" {
					return apperr.Errorf(apperr.KindConfig, op, "cluster %q group %q: host without a name", cluster.Name, group.Name)
				}
				names = append(names, host.Name)
				if host.IsLink() {
					continue
				}
				declared[host.Name] = true
				if host.Address != "" {
					addresses = append(addresses, host.Address)
				}
				if host.BMC != nil {
					if host.BMC.Address == "" || host.BMC.Username == "" || host.BMC.Password == "" {
						return apperr.Errorf(apperr.KindConfig, op, "cluster %q host %q: bmc requires address, username and password", cluster.Name, host.Name)
					}
					bmcs = append(bmcs, host.BMC.Address)
				}
			}
			if dups := duplicates(names); len(dups) > 0 {
				return apperr.Errorf(apperr.KindConfig, op, "duplicate host names %s in cluster %q group %q", quote(dups), cluster.Name, group.Name)
			}
		}

		for _, group := range cluster.Hosts {
			for _, host := range group.Hosts {
				if host.IsLink() && !declared[host.Name] {
					return apperr.Errorf(apperr.KindConfig, op, "host %q linked from group %q does not exist in cluster %q", host.Name, group.Name, cluster.Name)
				}
			}
		}
	}

	if dups := duplicates(clusterNames); len(dups) > 0 {
		return apperr.Errorf(apperr.KindConfig, op, "duplicate names %s for 'clusters' items", quote(dups))
	}
	if dups := duplicates(addresses); len(dups) > 0 {
		return apperr.Errorf(apperr.KindConfig, op, "duplicate addresses %s of hosts", quote(dups))
	}
	if dups := duplicates(bmcs); len(dups) > 0 {
		return apperr.Errorf(apperr.KindConfig, op, "duplicate addresses %s of hosts BMC's", quote(dups))
	}
	return nil
}

func duplicates(values []string) []string {
	seen := map[string]int{}
	var dups []string
	for _, v := range values {
		seen[v]++
		if seen[v] == 2 {
			dups = append(dups, v)
		}
	}
	return dups
}

func quote(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ", ")
}
