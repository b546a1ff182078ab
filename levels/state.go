package levels

import (
	"fmt"
	"sort"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sstable"
)

// LevelState holds the tables of one level.
// L0 keeps newest-first order, so lookups hit fresh data first; L1+ keeps
// tables sorted by MinKey and non-overlapping.
type LevelState struct {
	levelNumber int
	tables      []*sstable.SSTable
	tableMap    map[uint64]*sstable.SSTable
	totalSize   int64
	cmp         core.Comparator
}

func newLevelState(levelNumber int, cmp core.Comparator) *LevelState {
	return &LevelState{
		levelNumber: levelNumber,
		tables:      make([]*sstable.SSTable, 0),
		tableMap:    make(map[uint64]*sstable.SSTable),
		cmp:         cmp,
	}
}

// Add inserts one table, prepending for L0 and keeping MinKey order for L1+.
func (ls *LevelState) Add(table *sstable.SSTable) error {
	if table == nil {
		return fmt.Errorf("cannot add nil table to level %d", ls.levelNumber)
	}
	if _, exists := ls.tableMap[table.ID()]; exists {
		return fmt.Errorf("table with ID %d already exists in level %d", table.ID(), ls.levelNumber)
	}
	ls.tableMap[table.ID()] = table

	if ls.levelNumber == 0 {
		ls.tables = append([]*sstable.SSTable{table}, ls.tables...)
	} else {
		idx := sort.Search(len(ls.tables), func(i int) bool {
			return ls.cmp.Compare(ls.tables[i].MinKey(), table.MinKey()) >= 0
		})
		ls.tables = append(ls.tables, nil)
		copy(ls.tables[idx+1:], ls.tables[idx:])
		ls.tables[idx] = table
	}
	ls.totalSize += table.Size()
	return nil
}

// AddBatch inserts multiple tables with a single sort. Used by compaction
// results and manifest recovery.
func (ls *LevelState) AddBatch(tablesToAdd []*sstable.SSTable) error {
	if len(tablesToAdd) == 0 {
		return nil
	}
	for _, table := range tablesToAdd {
		if table == nil {
			return fmt.Errorf("cannot add nil table to level %d", ls.levelNumber)
		}
		if _, exists := ls.tableMap[table.ID()]; exists {
			return fmt.Errorf("table with ID %d already exists in level %d", table.ID(), ls.levelNumber)
		}
		ls.tableMap[table.ID()] = table
		ls.tables = append(ls.tables, table)
		ls.totalSize += table.Size()
	}

	if ls.levelNumber == 0 {
		// Larger IDs are newer files.
		sort.Slice(ls.tables, func(i, j int) bool {
			return ls.tables[i].ID() > ls.tables[j].ID()
		})
	} else {
		sort.SliceStable(ls.tables, func(i, j int) bool {
			return ls.cmp.Compare(ls.tables[i].MinKey(), ls.tables[j].MinKey()) < 0
		})
	}
	return nil
}

// Remove drops a table by ID. Missing IDs are an error; compaction must
// only remove tables it owns.
func (ls *LevelState) Remove(sstID uint64) error {
	tableToRemove, ok := ls.tableMap[sstID]
	if !ok {
		return fmt.Errorf("table with ID %d not found in level %d", sstID, ls.levelNumber)
	}
	delete(ls.tableMap, sstID)
	ls.totalSize -= tableToRemove.Size()

	newTables := ls.tables[:0]
	for _, table := range ls.tables {
		if table.ID() != sstID {
			newTables = append(newTables, table)
		}
	}
	ls.tables = newTables
	return nil
}

// Size returns the number of tables in the level.
func (ls *LevelState) Size() int {
	return len(ls.tables)
}

// LevelNumber returns the level's index within the tree.
func (ls *LevelState) LevelNumber() int {
	return ls.levelNumber
}

// TotalSize returns the combined byte size of the level's tables.
func (ls *LevelState) TotalSize() int64 {
	return ls.totalSize
}

// GetTables returns a copy of the table slice in level order.
func (ls *LevelState) GetTables() []*sstable.SSTable {
	tablesCopy := make([]*sstable.SSTable, len(ls.tables))
	copy(tablesCopy, ls.tables)
	return tablesCopy
}
