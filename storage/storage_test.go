package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUri(t *testing.T) {
	scheme, hosts, prefix, err := parseUri("zk://10.0.0.1:2181,10.0.0.2:2181/registry/stats/")
	require.NoError(t, err)
	assert.Equal(t, "zk", scheme)
	assert.Equal(t, []string{"10.0.0.1:2181", "10.0.0.2:2181"}, hosts)
	assert.Equal(t, "/registry/stats", prefix)

	_, _, prefix, err = parseUri("zk://localhost:2181")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, prefix)

	_, _, _, err = parseUri("zk:///nohosts")
	assert.Error(t, err)
}

func TestUnsupportedBackend(t *testing.T) {
	_, err := NewStorageBackend("redis://localhost:6379/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestEscapeName(t *testing.T) {
	for _, name := range []string{"plain", "a/b", "100%", "%2F/"} {
		node := escapeName(name)
		assert.NotContains(t, node, "/")
		assert.Equal(t, name, unescapeName(node), name)
	}
	z := &zkStorage{Prefix: "/poolreg"}
	assert.Equal(t, "/poolreg/pools/jobs%2Fsort", z.statsPath("jobs/sort"))
}
