package masarykbot

// Trie counts words by shared prefix, to split a faculty's courses into
// category-sized groups.
//
// Nodes live in a single slice and address each other by index, so a trie is
// one allocation region and copies of the struct header stay cheap. A node's
// items field counts the words for which the node's prefix is a proper
// prefix: the terminal node of a word is marked isWord but not counted.
// Children remember insertion order, which keeps category generation
// deterministic for a given insertion sequence.
type Trie struct {
	nodes []trieNode
}

type trieNode struct {
	items    int
	isWord   bool
	children map[rune]int32
	order    []rune
}

// NewTrie returns an empty Trie.
func NewTrie() *Trie {
	return &Trie{nodes: []trieNode{{}}}
}

func (t *Trie) newNode() int32 {
	t.nodes = append(t.nodes, trieNode{})
	return int32(len(t.nodes) - 1)
}

// Insert adds a word to the trie.
func (t *Trie) Insert(word string) {
	idx := int32(0)
	for _, r := range word {
		t.nodes[idx].items++
		child, ok := t.nodes[idx].children[r]
		if !ok {
			child = t.newNode()
			if t.nodes[idx].children == nil {
				t.nodes[idx].children = map[rune]int32{}
			}
			t.nodes[idx].children[r] = child
			t.nodes[idx].order = append(t.nodes[idx].order, r)
		}
		idx = child
	}
	t.nodes[idx].isWord = true
}

// Find reports whether word was inserted into the trie.
func (t *Trie) Find(word string) bool {
	idx := int32(0)
	for _, r := range word {
		child, ok := t.nodes[idx].children[r]
		if !ok {
			return false
		}
		idx = child
	}
	return t.nodes[idx].isWord
}

// GenerateCategories splits the trie's words into prefix groups of fewer
// than limit words each: descending from the root, a prefix is emitted as
// soon as its subtree drops under the limit. A word whose subtree still
// splits further gets its own group under the word itself, so every
// inserted word falls under exactly one emitted prefix.
func (t *Trie) GenerateCategories(limit int) []string {
	var out []string
	t.generate(0, "", limit, &out)
	return out
}

func (t *Trie) generate(idx int32, prefix string, limit int, out *[]string) {
	node := t.nodes[idx]
	if node.items < limit {
		if node.items > 0 || node.isWord {
			*out = append(*out, prefix)
		}
		return
	}
	if node.isWord {
		*out = append(*out, prefix)
	}
	for _, r := range node.order {
		t.generate(node.children[r], prefix+string(r), limit, out)
	}
}

// FindCategoryFor returns the prefix GenerateCategories would file word
// under, using the same descent. Words sharing the returned prefix land in
// the same group.
func (t *Trie) FindCategoryFor(word string, limit int) string {
	idx := int32(0)
	prefix := ""
	for _, r := range word {
		if t.nodes[idx].items < limit {
			return prefix
		}
		child, ok := t.nodes[idx].children[r]
		if !ok {
			return prefix
		}
		prefix += string(r)
		idx = child
	}
	return prefix
}
