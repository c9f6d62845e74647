package tagmux

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// StatusRow is one line of the read-only status surface: a single
// (tag, level) pair that currently has a level record, naming
// its key, owner identity, level index and current waiter count.
type StatusRow struct {
	Key     int
	EUID    int
	Level   int
	Waiters int64
}

// Status walks every live tag slot and every constructed level within
// it, returning one row per (tag, level) pair. The walk takes only
// reader locks, mirroring the read-mostly access pattern the rest of
// the engine uses, and is safe to call while sends/receives/awake-alls
// are in flight elsewhere.
func (e *Engine) Status() []StatusRow {
	var rows []StatusRow
	for d := range e.table.Slots {
		slot := &e.table.Slots[d]
		slot.Mu.RLock()
		tag := slot.Tag
		if tag == nil {
			slot.Mu.RUnlock()
			continue
		}
		for i := range tag.Levels {
			tag.LevelLocks[i].RLock()
			lvl := tag.Levels[i]
			tag.LevelLocks[i].RUnlock()
			if lvl == nil {
				continue
			}
			rows = append(rows, StatusRow{
				Key:     tag.Key,
				EUID:    tag.OwnerEUID,
				Level:   i,
				Waiters: lvl.Waiters.Load(),
			})
		}
		slot.Mu.RUnlock()
	}
	return rows
}

// WriteStatus renders Status() as a divider-separated text table,
// one block per tag, to w.
func (e *Engine) WriteStatus(w io.Writer) error {
	rows := e.Status()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"KEY", "EUID", "LEVEL", "WAITERS"})

	// Status lists each tag's levels in ascending order, so a level index
	// that does not increase marks the start of the next tag even when two
	// adjacent tags share a key (anonymous tags all use the same key).
	lastKey := 0
	lastLevel := 0
	first := true
	for _, r := range rows {
		if !first && (r.Key != lastKey || r.Level <= lastLevel) {
			t.AppendSeparator()
		}
		t.AppendRow(table.Row{r.Key, r.EUID, r.Level, r.Waiters})
		lastKey = r.Key
		lastLevel = r.Level
		first = false
	}
	t.Render()
	return nil
}
