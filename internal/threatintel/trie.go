package threatintel

import "net/netip"

// trieNode is one bit of a binary prefix trie. Terms holds the CIDR strings
// whose prefix ends exactly at this node.
type trieNode struct {
	children [2]*trieNode
	terms    []string
}

func newTrie() *trieNode {
	return &trieNode{}
}

func addrBit(b []byte, i int) int {
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

// insert adds a prefix to the trie, keyed by its masked leading bits.
func (n *trieNode) insert(pfx netip.Prefix, value string) {
	b := pfx.Masked().Addr().AsSlice()
	cur := n
	for i := 0; i < pfx.Bits(); i++ {
		bit := addrBit(b, i)
		if cur.children[bit] == nil {
			cur.children[bit] = &trieNode{}
		}
		cur = cur.children[bit]
	}
	cur.terms = append(cur.terms, value)
}

// matchAll walks the trie along the address bits and collects every covering
// prefix, ordered longest-prefix first.
func (n *trieNode) matchAll(addr netip.Addr) []string {
	b := addr.AsSlice()
	bits := len(b) * 8

	var found []string
	cur := n
	found = append(found, cur.terms...)
	for i := 0; i < bits; i++ {
		cur = cur.children[addrBit(b, i)]
		if cur == nil {
			break
		}
		found = append(found, cur.terms...)
	}

	// Collected shortest-first; reverse for longest-prefix-first ordering.
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return found
}
