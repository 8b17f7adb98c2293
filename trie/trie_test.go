package trie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	tr := FromWords([]string{"Dodge", "dodgeball", "", "  "})

	assert.Equal(t, 2, tr.Len())
	assert.True(t, tr.ContainsWord("dodge"))
	assert.True(t, tr.ContainsWord("DODGEBALL"))
	assert.False(t, tr.ContainsWord("dodg"))
	assert.True(t, tr.ContainsPrefix("dodg"))
	assert.False(t, tr.ContainsPrefix("ball"))

	tr.Add("dodge")
	assert.Equal(t, 2, tr.Len(), "re-adding a word does not grow the trie")
}

func TestMatchAnywhere(t *testing.T) {
	t.Parallel()

	tr := FromWords([]string{"bad", "worse"})

	testCases := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "clean", input: "Player-1a2b3c", want: false},
		{name: "exact", input: "bad", want: true},
		{name: "embedded", input: "xXbadXx", want: true},
		{name: "punctuated", input: "b.a.d", want: true},
		{name: "spaced upper", input: "W O R S E", want: true},
		{name: "near miss", input: "ba-x-d", want: false},
		{name: "empty", input: "", want: false},
		{name: "non latin", input: "Ünïcödé", want: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tr.MatchAnywhere(tc.input))
		})
	}
}

func TestEmptyTrieMatchesNothing(t *testing.T) {
	assert.False(t, NewTrie().MatchAnywhere("anything"))
	assert.False(t, NewTrie().ContainsWord(""))
}
