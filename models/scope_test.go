package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want string
	}{
		{"sorted input", "alice", "bob", "alice-bob"},
		{"reversed input", "bob", "alice", "alice-bob"},
		{"self chat", "alice", "alice", "alice-alice"},
		{"case sensitive", "Bob", "alice", "Bob-alice"},
		{"separator escaped", "mary-jane", "tom", `mary\-jane-tom`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PairKey(tt.a, tt.b))
			assert.Equal(t, PairKey(tt.a, tt.b), PairKey(tt.b, tt.a))
		})
	}
}

func TestPairKey_NoCollisions(t *testing.T) {
	assert.NotEqual(t, PairKey("a-b", "c"), PairKey("a", "b-c"))
	assert.NotEqual(t, PairKey(`a\`, "b"), PairKey("a", `\b`))
}

func TestScopeOf(t *testing.T) {
	assert.Equal(t, GlobalScope, ScopeOf(ChatGlobal, "alice", "ignored"))
	assert.Equal(t, "doc1", ScopeOf(ChatDocument, "alice", "doc1"))
	assert.Equal(t, "alice-bob", ScopeOf(ChatPrivate, "bob", "alice"))
}

func TestChatKind_Valid(t *testing.T) {
	assert.True(t, ChatGlobal.Valid())
	assert.True(t, ChatDocument.Valid())
	assert.True(t, ChatPrivate.Valid())
	assert.False(t, ChatKind("room").Valid())
}
