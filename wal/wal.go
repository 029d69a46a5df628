// Package wal implements the write-ahead log: a reserved on-disk
// region holding one commit block followed by up to 40 payload
// blocks, and the staging/commit/recover protocol that makes a
// transaction atomic with respect to a crash between any two block
// writes. Grounded on spec.md §4.2 and the field-encoding convention
// in biscuit/src/fs/super.go (fixed-layout structs read/written
// through small typed accessors rather than raw byte-offset math
// scattered through callers).
package wal

import (
	"sync"

	"labkernel/block"
	"labkernel/defs"
	"labkernel/util"
)

// MaxLogBlocks is the payload capacity of one transaction.
const MaxLogBlocks = 40

// commitOff layout within the fixed 512-byte commit block:
//
//	[0:4]                count of valid entries in dst_blocknos
//	[4:4+40*4]           dst_blocknos, one uint32 per entry
//	[4+40*4 : +4]         commit_flag (1 = valid, replay on recovery)
const (
	offSize  = 0
	offBlks  = 4
	offFlag  = offBlks + MaxLogBlocks*4
	commitSz = offFlag + 4
)

// Log batches block writes into transactions. start is the device
// block of the commit slot; payload blocks follow immediately after
// it, one per logical slot 0..39.
type Log struct {
	mu      sync.Mutex
	cache   *block.Cache
	start   int // commit block number
	stage   map[int]*block.Buffer
	order   []int // insertion order, for deterministic replay
}

func New(c *block.Cache, start int) *Log {
	return &Log{cache: c, start: start, stage: make(map[int]*block.Buffer)}
}

// Write stages buf's current contents for the in-progress transaction.
// A repeat Write of an already-staged block number overwrites the
// earlier staged copy in place (Open Question (c) in spec.md §9): the
// map is keyed by destination block number, so the last write before
// commit is what survives.
func (l *Log) Write(buf *block.Buffer) defs.Err_t {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stage[buf.Blockno]; !ok {
		if len(l.stage) >= MaxLogBlocks {
			return defs.ENOSPC
		}
		l.order = append(l.order, buf.Blockno)
	}
	cp := &block.Buffer{Blockno: buf.Blockno}
	buf.Lock()
	cp.Data = buf.Data
	buf.Unlock()
	l.stage[buf.Blockno] = cp
	return 0
}

// Commit performs the six-step (a)-(f) protocol from spec.md §4.2: write each
// staged block to its reserved log slot, fill and write the commit
// block (the single atomicity point), then replay immediately and
// clear the commit block.
func (l *Log) Commit() defs.Err_t {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return 0
	}
	n := len(l.order)

	// (a) write staged payload to the reserved log slots.
	for i, blockno := range l.order {
		b, err := l.cache.Get(l.start + 1 + i)
		if err != 0 {
			return err
		}
		b.Lock()
		b.Data = l.stage[blockno].Data
		b.Dirty = true
		b.Unlock()
		if err := l.cache.Put(b); err != 0 {
			return err
		}
	}

	// (b)+(c) fill and write the commit block: the atomicity point.
	cb, err := l.cache.Get(l.start)
	if err != 0 {
		return err
	}
	cb.Lock()
	for i := range cb.Data {
		cb.Data[i] = 0
	}
	util.Writen32(cb.Data[:], offSize, uint32(n))
	for i, blockno := range l.order {
		util.Writen32(cb.Data[:], offBlks+i*4, uint32(blockno))
	}
	util.Writen32(cb.Data[:], offFlag, 1)
	cb.Dirty = true
	cb.Unlock()
	if err := l.cache.Put(cb); err != 0 {
		return err
	}

	// (d) recover: replay this now-committed transaction immediately.
	if err := l.recoverLocked(); err != 0 {
		return err
	}

	l.stage = make(map[int]*block.Buffer)
	l.order = nil
	return 0
}

// Recover runs on boot: if the commit block's flag is set, replay the
// logged blocks to their destinations and clear the flag. If not, the
// disk is already consistent and Recover is a no-op.
func (l *Log) Recover() defs.Err_t {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recoverLocked()
}

func (l *Log) recoverLocked() defs.Err_t {
	cb, err := l.cache.Get(l.start)
	if err != 0 {
		return err
	}
	cb.Lock()
	flag := util.Readn32(cb.Data[:], offFlag)
	if flag != 1 {
		cb.Unlock()
		return 0
	}
	n := int(util.Readn32(cb.Data[:], offSize))
	dsts := make([]int, n)
	for i := 0; i < n; i++ {
		dsts[i] = int(util.Readn32(cb.Data[:], offBlks+i*4))
	}
	cb.Unlock()

	// (e) copy each logged block to its destination.
	for i, dst := range dsts {
		src, err := l.cache.Get(l.start + 1 + i)
		if err != 0 {
			return err
		}
		dstb, err := l.cache.Get(dst)
		if err != 0 {
			return err
		}
		src.Lock()
		data := src.Data
		src.Unlock()
		dstb.Lock()
		dstb.Data = data
		dstb.Dirty = true
		dstb.Unlock()
		if err := l.cache.Put(dstb); err != 0 {
			return err
		}
	}

	// (f) zero the commit block so a crash mid-recovery is idempotent:
	// a re-run sees flag==0 only after this final write lands.
	cb.Lock()
	for i := range cb.Data {
		cb.Data[i] = 0
	}
	cb.Dirty = true
	cb.Unlock()
	return l.cache.Put(cb)
}
