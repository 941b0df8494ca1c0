// Package reserve tracks which (offset block, division) cells writers have
// claimed, so that no two writers target the same sub-region at once.
package reserve

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"sync"
)

// DefaultDivisions is the number of independently claimable sub-ranges per op.
const DefaultDivisions = 4

// Cell addresses one division of one offset block.
type Cell struct {
	Block    int64 `json:"block"`
	Division int   `json:"division"`
}

// Table is a bitset of claimed cells guarded by a single mutex. Lock hold
// times are a handful of word operations, so one lock serves benchmark-scale
// worker counts.
type Table struct {
	mu        sync.Mutex
	words     []uint64
	offsets   int64
	divisions int
	claimed   int64
}

// New allocates a table for offsets blocks of divisions cells each.
func New(offsets int64, divisions int) (*Table, error) {
	if offsets <= 0 || divisions <= 0 {
		return nil, fmt.Errorf("invalid reservation table shape %dx%d", offsets, divisions)
	}
	cells := offsets * int64(divisions)
	return &Table{
		words:     make([]uint64, (cells+63)/64),
		offsets:   offsets,
		divisions: divisions,
	}, nil
}

func (t *Table) Offsets() int64 { return t.offsets }
func (t *Table) Divisions() int { return t.divisions }

func (t *Table) index(block int64, div int) (int64, uint64) {
	if block < 0 || block >= t.offsets || div < 0 || div >= t.divisions {
		panic(fmt.Sprintf("reserve: cell (%d,%d) outside %dx%d table", block, div, t.offsets, t.divisions))
	}
	i := block*int64(t.divisions) + int64(div)
	return i / 64, 1 << uint(i%64)
}

// TryClaim marks the cell claimed if it is free. It reports whether the
// caller now holds the claim.
func (t *Table) TryClaim(block int64, div int) bool {
	w, bit := t.index(block, div)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.words[w]&bit != 0 {
		return false
	}
	t.words[w] |= bit
	t.claimed++
	return true
}

// Clear frees the cell whether or not it was claimed.
func (t *Table) Clear(block int64, div int) {
	w, bit := t.index(block, div)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.words[w]&bit != 0 {
		t.words[w] &^= bit
		t.claimed--
	}
}

// IsFree reports whether the cell is unclaimed.
func (t *Table) IsFree(block int64, div int) bool {
	w, bit := t.index(block, div)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.words[w]&bit == 0
}

// BlockFree reports whether no division of block is claimed.
func (t *Table) BlockFree(block int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for d := 0; d < t.divisions; d++ {
		w, bit := t.index(block, d)
		if t.words[w]&bit != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of claimed cells.
func (t *Table) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimed
}

// Claimed lists every claimed cell in block, division order.
func (t *Table) Claimed() []Cell {
	t.mu.Lock()
	defer t.mu.Unlock()

	cells := make([]Cell, 0, t.claimed)
	for w, word := range t.words {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &^= 1 << uint(b)
			i := int64(w)*64 + int64(b)
			cells = append(cells, Cell{Block: i / int64(t.divisions), Division: int(i % int64(t.divisions))})
		}
	}
	return cells
}

// Dump writes one "block division" line per claimed cell.
func (t *Table) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, c := range t.Claimed() {
		if _, err := fmt.Fprintf(bw, "%d %d\n", c.Block, c.Division); err != nil {
			return err
		}
	}
	return bw.Flush()
}
