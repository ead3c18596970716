package masarykbot

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrieFind(t *testing.T) {
	trie := NewTrie()
	trie.Insert("IB000")
	trie.Insert("IB002")
	trie.Insert("MB141")

	assert.True(t, trie.Find("IB000"))
	assert.True(t, trie.Find("MB141"))
	assert.False(t, trie.Find("IB"))
	assert.False(t, trie.Find("IB001"))
	assert.False(t, trie.Find(""))
}

func TestTrieGenerateCategoriesSmall(t *testing.T) {
	trie := NewTrie()
	trie.Insert("IB000")
	trie.Insert("IB002")

	// everything fits under one prefix when the limit is large enough
	assert.Equal(t, []string{""}, trie.GenerateCategories(50))
}

func TestTrieGenerateCategoriesSplits(t *testing.T) {
	trie := NewTrie()
	for i := 0; i < 51; i++ {
		trie.Insert(fmt.Sprintf("IB%03d", i))
	}

	categories := trie.GenerateCategories(50)
	require.Greater(t, len(categories), 1)
	for _, prefix := range categories {
		assert.True(t, strings.HasPrefix(prefix, "I"))
	}
}

func TestTrieCategoryPartition(t *testing.T) {
	trie := NewTrie()
	var words []string
	for i := 0; i < 120; i++ {
		words = append(words, fmt.Sprintf("IB%03d", i))
	}
	for i := 0; i < 30; i++ {
		words = append(words, fmt.Sprintf("MB%03d", i))
	}
	words = append(words, "PV080", "PV004")
	for _, w := range words {
		trie.Insert(w)
	}

	const limit = 50
	categories := trie.GenerateCategories(limit)

	// no emitted prefix extends another
	for i, a := range categories {
		for j, b := range categories {
			if i == j {
				continue
			}
			assert.Falsef(
				t,
				strings.HasPrefix(a, b),
				"prefix %q extends prefix %q",
				a, b,
			)
		}
	}

	// every word falls under exactly one emitted prefix, and it is the one
	// FindCategoryFor reports
	for _, w := range words {
		matches := 0
		for _, prefix := range categories {
			if strings.HasPrefix(w, prefix) {
				matches++
			}
		}
		require.Equalf(t, 1, matches, "word %q matched %d categories", w, matches)
		assert.True(t, strings.HasPrefix(w, trie.FindCategoryFor(w, limit)))
	}

	// no category holds more than limit words
	counts := map[string]int{}
	for _, w := range words {
		counts[trie.FindCategoryFor(w, limit)]++
	}
	for prefix, n := range counts {
		assert.LessOrEqualf(t, n, limit, "category %q holds %d words", prefix, n)
	}
}

func TestTrieDeterministicOrder(t *testing.T) {
	build := func() *Trie {
		trie := NewTrie()
		for i := 0; i < 60; i++ {
			trie.Insert(fmt.Sprintf("PB%03d", i))
		}
		for i := 0; i < 60; i++ {
			trie.Insert(fmt.Sprintf("PA%03d", i))
		}
		return trie
	}
	first := build().GenerateCategories(50)
	second := build().GenerateCategories(50)
	assert.Equal(t, first, second)

	// insertion order decides emission order
	assert.True(t, strings.HasPrefix(first[0], "PB"))
}

func TestTrieGenerateCategoriesPrefixWord(t *testing.T) {
	trie := NewTrie()
	trie.Insert("A")
	for i := 0; i < 50; i++ {
		trie.Insert(fmt.Sprintf("AB%02d", i))
	}

	categories := trie.GenerateCategories(50)

	// the word that is itself a prefix of a full subtree gets its own group
	assert.Contains(t, categories, "A")
	assert.Equal(t, "A", trie.FindCategoryFor("A", 50))

	// every word still resolves to an emitted prefix
	words := []string{"A"}
	for i := 0; i < 50; i++ {
		words = append(words, fmt.Sprintf("AB%02d", i))
	}
	for _, w := range words {
		assert.Containsf(t, categories, trie.FindCategoryFor(w, 50), "word %q", w)
	}
}

func TestTrieFindCategoryForUnknownWord(t *testing.T) {
	trie := NewTrie()
	trie.Insert("IB000")

	// descent stops where the word diverges from the trie
	assert.Equal(t, "", trie.FindCategoryFor("MB141", 50))
}

func TestTrieEmpty(t *testing.T) {
	trie := NewTrie()
	assert.Empty(t, trie.GenerateCategories(50))
	assert.False(t, trie.Find("IB000"))
}
