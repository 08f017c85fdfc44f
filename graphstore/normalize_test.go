package graphstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Docker", "docker"},
		{"docker", "docker"},
		{"Docker ", "docker"},
		{"  Docker  ", "docker"},
		{"Kubernetes   Cluster", "kubernetes cluster"},
		{`"PostgreSQL"`, "postgresql"},
		{"(Redis)", "redis"},
		{"Go.", "go"},
		{"etc...", "etc"},

		// Language markers survive.
		{"C++", "c++"},
		{"C#", "c#"},
		{".NET", ".net"},
		{"Node.js", "node.js"},
		{"F#", "f#"},

		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}
