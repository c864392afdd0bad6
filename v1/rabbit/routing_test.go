package rabbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"a", "a", true},
		{"a", "b", false},
		{"a.b", "a.b", true},
		{"a.b", "a", false},
		{"z.*", "z.a", true},
		{"z.*", "z", false},
		{"z.*", "z.a.b", false},
		{"*.created", "order.created", true},
		{"*.created", "order.updated", false},
		{"#", "", true},
		{"#", "anything.at.all", true},
		{"order.#", "order", true},
		{"order.#", "order.created.eu", true},
		{"#.eu", "order.created.eu", true},
		{"#.eu", "order.created.us", false},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"*.*", "a.b", true},
		{"*.*", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}
