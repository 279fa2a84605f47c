// Package fingerprint provides cheap normalized-text fingerprints for
// duplicate and repetition detection. The hash is order-sensitive but not
// cryptographic; occasional collisions are acceptable.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Normalize lowercases the text, collapses runs of whitespace to single
// spaces, and trims the ends, so that cosmetic rewording of the same
// content maps to the same fingerprint.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Hash returns the fingerprint of the normalized text.
func Hash(text string) string {
	h := fnv.New64a()
	h.Write([]byte(Normalize(text)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// History is a bounded FIFO of fingerprints. Once the cap is reached the
// oldest entry is evicted on every add.
type History struct {
	cap  int
	list []string
	set  map[string]int
}

// NewHistory creates a history holding at most capacity fingerprints.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		cap:  capacity,
		list: make([]string, 0, capacity),
		set:  make(map[string]int),
	}
}

// Add records the fingerprint of text, evicting the oldest entry when full.
func (h *History) Add(text string) {
	fp := Hash(text)
	if len(h.list) >= h.cap {
		oldest := h.list[0]
		h.list = h.list[1:]
		h.set[oldest]--
		if h.set[oldest] <= 0 {
			delete(h.set, oldest)
		}
	}
	h.list = append(h.list, fp)
	h.set[fp]++
}

// Contains reports whether the fingerprint of text is in the history.
func (h *History) Contains(text string) bool {
	return h.set[Hash(text)] > 0
}

// Len returns the number of fingerprints currently held.
func (h *History) Len() int {
	return len(h.list)
}
