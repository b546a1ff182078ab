package engine

import (
	"github.com/INLOpen/nexuskv/core"
)

type cursorState int

const (
	cursorBeforeFirst cursorState = iota
	cursorPositioned
	cursorAfterLast
	cursorInvalid
)

// Cursor is a repositionable iterator over one column family. It sees the
// database as of the sequence number it was created at: writes committed
// afterwards are invisible, even across Seek calls. A read error invalidates
// the cursor permanently; Error reports it on every later call.
type Cursor struct {
	db    *DB
	cf    *columnFamily
	lower []byte // inclusive, nil = open
	upper []byte // exclusive, nil = open
	seq   uint64

	iter  core.IteratorInterface
	order core.SortOrder
	state cursorState
	key   []byte
	value []byte
	err   error

	closed bool
}

// NewCursor opens a cursor over [lower, upper) in the given column family.
// The cursor starts unpositioned; call Seek, SeekToFirst or Next first. The
// caller must Close it.
func (db *DB) NewCursor(cfName string, lower, upper []byte, opts *ReadOptions) (*Cursor, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	cf, err := db.getCF(cfName)
	if err != nil {
		return nil, err
	}
	seq, err := db.readSeq(opts)
	if err != nil {
		return nil, err
	}
	// Pin the cursor's sequence number so compaction keeps every version it
	// may still need; repositioning rebuilds sources from the live table set.
	db.snapshots.acquire(seq)
	return &Cursor{
		db:    db,
		cf:    cf,
		lower: append([]byte(nil), lower...),
		upper: append([]byte(nil), upper...),
		seq:   seq,
		state: cursorBeforeFirst,
	}, nil
}

// Valid reports whether the cursor is positioned on a record.
func (c *Cursor) Valid() bool {
	return c.state == cursorPositioned
}

// Key returns the current key. Valid only while Valid() is true; the slice
// is owned by the cursor and stable until the next repositioning call.
func (c *Cursor) Key() []byte {
	if c.state != cursorPositioned {
		return nil
	}
	return c.key
}

// Value returns the current value, under the same rules as Key.
func (c *Cursor) Value() []byte {
	if c.state != cursorPositioned {
		return nil
	}
	return c.value
}

// Error returns the error that invalidated the cursor, if any.
func (c *Cursor) Error() error {
	return c.err
}

// Seek positions the cursor at the first key >= target within the bounds and
// reports whether such a key exists.
func (c *Cursor) Seek(target []byte) bool {
	if c.state == cursorInvalid || c.closed {
		return false
	}
	start := append([]byte(nil), target...)
	if c.lower != nil && c.cf.opts.Comparator.Compare(start, c.lower) < 0 {
		start = c.lower
	}
	return c.reposition(start, c.upper, core.Ascending, nil)
}

// SeekToFirst positions the cursor at the smallest key in range.
func (c *Cursor) SeekToFirst() bool {
	if c.state == cursorInvalid || c.closed {
		return false
	}
	return c.reposition(c.lower, c.upper, core.Ascending, nil)
}

// SeekToLast positions the cursor at the largest key in range.
func (c *Cursor) SeekToLast() bool {
	if c.state == cursorInvalid || c.closed {
		return false
	}
	return c.reposition(c.lower, c.upper, core.Descending, nil)
}

// Next moves to the next larger key. On an unpositioned cursor it behaves
// like SeekToFirst; past the end it reports false and stays there.
func (c *Cursor) Next() bool {
	switch c.state {
	case cursorInvalid:
		return false
	case cursorBeforeFirst:
		return c.SeekToFirst()
	case cursorAfterLast:
		return false
	}
	if c.order == core.Ascending {
		if !c.advance() {
			c.exhaust(cursorAfterLast)
			return false
		}
		return true
	}
	// Direction change: restart ascending from the current key, skipping it.
	// The bound has to be copied; advance reuses the key buffer.
	cur := append([]byte(nil), c.key...)
	return c.reposition(cur, c.upper, core.Ascending, cur)
}

// Prev moves to the next smaller key. On an unpositioned cursor it behaves
// like SeekToLast; before the start it reports false and stays there.
func (c *Cursor) Prev() bool {
	switch c.state {
	case cursorInvalid:
		return false
	case cursorAfterLast:
		return c.SeekToLast()
	case cursorBeforeFirst:
		return false
	}
	if c.order == core.Descending {
		if !c.advance() {
			c.exhaust(cursorBeforeFirst)
			return false
		}
		return true
	}
	// Direction change: the exclusive upper bound lands on the predecessor.
	cur := append([]byte(nil), c.key...)
	return c.reposition(c.lower, cur, core.Descending, nil)
}

// Close releases the cursor's snapshot pin and any open sources. Safe to
// call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.db.snapshots.release(c.seq)
	c.state = cursorInvalid
	if c.iter != nil {
		err := c.iter.Close()
		c.iter = nil
		return err
	}
	return nil
}

// reposition rebuilds the underlying merged iterator for the given range and
// direction and moves to its first record, skipping skipKey if it comes up
// first.
func (c *Cursor) reposition(start, end []byte, order core.SortOrder, skipKey []byte) bool {
	if c.iter != nil {
		c.iter.Close()
		c.iter = nil
	}
	it, err := c.db.newBoundedIterator(c.cf, start, end, order, c.seq, false)
	if err != nil {
		c.fail(err)
		return false
	}
	c.iter = it
	c.order = order
	if !c.advance() {
		if order == core.Ascending {
			c.exhaust(cursorAfterLast)
		} else {
			c.exhaust(cursorBeforeFirst)
		}
		return false
	}
	if skipKey != nil && c.cf.opts.Comparator.Compare(c.key, skipKey) == 0 {
		if !c.advance() {
			c.exhaust(cursorAfterLast)
			return false
		}
	}
	return true
}

// advance steps the underlying iterator once and captures the record.
func (c *Cursor) advance() bool {
	if !c.iter.Next() {
		if err := c.iter.Error(); err != nil {
			c.fail(err)
		}
		return false
	}
	node, err := c.iter.At()
	if err != nil {
		c.fail(err)
		return false
	}
	c.key = append(c.key[:0], node.Key...)
	c.value = append(c.value[:0], node.Value...)
	c.state = cursorPositioned
	return true
}

func (c *Cursor) exhaust(state cursorState) {
	if c.state == cursorInvalid {
		return
	}
	c.state = state
	if c.iter != nil {
		c.iter.Close()
		c.iter = nil
	}
}

func (c *Cursor) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.state = cursorInvalid
	if c.iter != nil {
		c.iter.Close()
		c.iter = nil
	}
}
