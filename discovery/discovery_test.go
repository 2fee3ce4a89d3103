package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNode(t *testing.T) {
	tests := []struct {
		child string
		want  Instance
		seq   int
		ok    bool
	}{
		{"_c_0a1b2c-10.0.0.1:8888$2Avx0000000004", Instance{Host: "10.0.0.1:8888", ID: "2Avx"}, 4, true},
		{"_c_0a1b2c-registry-a.local:8888$x0000000012", Instance{Host: "registry-a.local:8888", ID: "x"}, 12, true},
		{"_c_0a1b2c-nodollar0000000001", Instance{}, 0, false},
		{"_c_0a1b2c-h$i00000000zz", Instance{}, 0, false},
		{"short", Instance{}, 0, false},
	}
	for _, tt := range tests {
		got, seq, ok := parseNode(tt.child)
		assert.Equal(t, tt.ok, ok, tt.child)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.child)
			assert.Equal(t, tt.seq, seq, tt.child)
		}
	}
}

func TestInstancesSort(t *testing.T) {
	in := []Instance{
		{Host: "b", ID: "1"},
		{Host: "a", ID: "2"},
		{Host: "a", ID: "1"},
	}
	assert.Equal(t, []Instance{
		{Host: "a", ID: "1"},
		{Host: "a", ID: "2"},
		{Host: "b", ID: "1"},
	}, sorted(in))
}

func TestNode(t *testing.T) {
	i := Instance{Host: "h:1", ID: "abc"}
	assert.Equal(t, "h:1$abc", i.Node())
}
