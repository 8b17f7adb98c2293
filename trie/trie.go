// Package trie is a case-insensitive prefix tree used to screen display names.
package trie

import (
	"strings"
	"unicode"
)

type Node struct {
	IsLast bool
	Next   map[rune]*Node
}

type Trie struct {
	root *Node
	size int
}

func NewTrie() *Trie {
	return &Trie{root: &Node{}}
}

// FromWords builds a trie holding every non-blank word.
func FromWords(words []string) *Trie {
	t := NewTrie()
	for _, w := range words {
		t.Add(w)
	}
	return t
}

func (t *Trie) Len() int {
	return t.size
}

func (t *Trie) Add(s string) {
	s = normalize(s)
	if s == "" {
		return
	}
	x := t.root
	for _, c := range s {
		if x.Next == nil {
			x.Next = make(map[rune]*Node)
		}
		next, ok := x.Next[c]
		if !ok {
			next = &Node{}
			x.Next[c] = next
		}
		x = next
	}
	if !x.IsLast {
		x.IsLast = true
		t.size++
	}
}

func (t *Trie) ContainsWord(s string) bool {
	x := t.get(normalize(s))
	return x != nil && x.IsLast
}

func (t *Trie) ContainsPrefix(s string) bool {
	return t.get(normalize(s)) != nil
}

// MatchAnywhere reports whether any stored word occurs inside s. Letters only are compared,
// so "b.a.d" and "B A D" both contain "bad".
func (t *Trie) MatchAnywhere(s string) bool {
	if t.size == 0 {
		return false
	}
	letters := []rune(normalize(s))
	for start := range letters {
		x := t.root
		for _, c := range letters[start:] {
			x = x.Next[c]
			if x == nil {
				break
			}
			if x.IsLast {
				return true
			}
		}
	}
	return false
}

func (t *Trie) get(s string) *Node {
	x := t.root
	for _, c := range s {
		x = x.Next[c]
		if x == nil {
			return nil
		}
	}
	return x
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}
