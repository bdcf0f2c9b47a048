package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iut/pkg/apperr"
)

const validConfig = `
admin_interface: eno1
clusters:
  - name: edge1
    hosts:
      controller:
        - name: ctrl
          address: 10.0.0.10
          bmc:
            address: 10.0.1.10
            username: root
            password: secret
      edgenode:
        - name: ctrl
        - name: node1
          address: 10.0.0.11
          bmc:
            address: 10.0.1.11
            username: root
            password: secret
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "eno1", cfg.AdminInterface)
	require.Len(t, cfg.Clusters, 1)

	cluster := cfg.Clusters[0]
	require.Len(t, cluster.Hosts, 2)
	assert.Equal(t, "controller", cluster.Hosts[0].Name)
	assert.Equal(t, "edgenode", cluster.Hosts[1].Name)

	edge := cluster.Hosts.Group("edgenode")
	require.Len(t, edge, 2)
	assert.True(t, edge[0].IsLink())
	assert.False(t, edge[1].IsLink())
	assert.Equal(t, "10.0.1.11", edge[1].BMC.Address)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "empty",
			doc:  "",
			want: "document is empty",
		},
		{
			name: "no clusters",
			doc:  "clusters: []",
			want: "no clusters defined",
		},
		{
			name: "duplicate cluster",
			doc: `
clusters:
  - name: a
    hosts: {}
  - name: a
    hosts: {}`,
			want: "duplicate names 'a'",
		},
		{
			name: "duplicate host address",
			doc: `
clusters:
  - name: a
    hosts:
      controller:
        - {name: h1, address: 10.0.0.1}
  - name: b
    hosts:
      controller:
        - {name: h1, address: 10.0.0.1}`,
			want: "duplicate addresses '10.0.0.1' of hosts",
		},
		{
			name: "duplicate bmc address",
			doc: `
clusters:
  - name: a
    hosts:
      controller:
        - {name: h1, bmc: {address: 10.0.1.1, username: u, password: p}}
        - {name: h2, bmc: {address: 10.0.1.1, username: u, password: p}}`,
			want: "hosts BMC's",
		},
		{
			name: "dangling link",
			doc: `
clusters:
  - name: a
    hosts:
      edgenode:
        - {name: ghost}`,
			want: `host "ghost" linked from group "edgenode" does not exist`,
		},
		{
			name: "incomplete bmc",
			doc: `
clusters:
  - name: a
    hosts:
      controller:
        - {name: h1, bmc: {address: 10.0.1.1}}`,
			want: "bmc requires address, username and password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.Config)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindFile, apperr.KindOf(err))
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.yml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "edge1", cfg.Clusters[0].Name)
}
