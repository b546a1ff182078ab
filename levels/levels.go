package levels

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sstable"
)

// Manager is the levels-structure interface the engine programs against.
type Manager interface {
	GetSSTablesForRead() ([]*LevelState, func())
	AddL0Table(table *sstable.SSTable) error
	AddTablesToLevel(levelNum int, tables []*sstable.SSTable) error
	RemoveTables(levelNum int, tableIDs []uint64) error
	ApplyCompactionResults(sourceLevel, targetLevel int, newTables, oldTables []*sstable.SSTable) error
	GetTablesForLevel(levelNum int) []*sstable.SSTable
	GetOverlappingTables(levelNum int, minKey, maxKey []byte) []*sstable.SSTable
	NeedsL0Compaction(maxL0Files int, l0TriggerSize int64) bool
	NeedsLevelNCompaction(levelNum int, multiplier int) bool
	PickCompactionCandidateForLevelN(levelNum int) *sstable.SSTable
	GetTotalSizeForLevel(levelNum int) int64
	GetTotalTableCount() int
	GetLevelForTable(tableID uint64) (int, bool)
	MaxLevels() int
	VerifyConsistency() []error
	Close() error
}

// FallbackStrategy breaks ties when several tables are equally good
// compaction candidates (typically all with zero next-level overlap).
type FallbackStrategy int

const (
	// PickOldest selects the table with the smallest file ID.
	PickOldest FallbackStrategy = iota
	// PickLargest selects the biggest table.
	PickLargest
	// PickSmallest selects the smallest table.
	PickSmallest
	// PickMostEntries selects the table with the most stored entries.
	PickMostEntries
	// PickRandom selects randomly, preventing starvation.
	PickRandom
)

// LevelsManager tracks the SSTables of one column family across all levels
// and answers compaction-scheduling questions.
type LevelsManager struct {
	mu               sync.RWMutex
	levels           []*LevelState
	maxLevels        int
	baseTargetSize   int64
	cmp              core.Comparator
	fallbackStrategy FallbackStrategy
}

var _ Manager = (*LevelsManager)(nil)

// NewLevelsManager creates an empty tree with maxLevels levels.
// baseTargetSize is the compaction size target for L1; each deeper level's
// target is multiplied by the configured multiplier.
func NewLevelsManager(maxLevels int, baseTargetSize int64, cmp core.Comparator, fallback FallbackStrategy) (*LevelsManager, error) {
	if maxLevels < 2 {
		return nil, fmt.Errorf("levels manager requires at least 2 levels, got %d", maxLevels)
	}
	if cmp == nil {
		cmp = core.DefaultComparator
	}
	lm := &LevelsManager{
		levels:           make([]*LevelState, maxLevels),
		maxLevels:        maxLevels,
		baseTargetSize:   baseTargetSize,
		cmp:              cmp,
		fallbackStrategy: fallback,
	}
	for i := 0; i < maxLevels; i++ {
		lm.levels[i] = newLevelState(i, cmp)
	}
	return lm, nil
}

// AddL0Table registers a freshly flushed table at level 0.
func (lm *LevelsManager) AddL0Table(table *sstable.SSTable) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.levels[0].Add(table)
}

// AddTablesToLevel registers tables at an arbitrary level. Used during
// manifest recovery and external-file ingestion.
func (lm *LevelsManager) AddTablesToLevel(levelNum int, tables []*sstable.SSTable) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return fmt.Errorf("invalid level number %d", levelNum)
	}
	return lm.levels[levelNum].AddBatch(tables)
}

// RemoveTables drops the given table IDs from a level.
func (lm *LevelsManager) RemoveTables(levelNum int, tableIDs []uint64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.removeTablesLocked(levelNum, tableIDs)
}

func (lm *LevelsManager) removeTablesLocked(levelNum int, tableIDs []uint64) error {
	if levelNum < 0 || levelNum >= lm.maxLevels {
		return fmt.Errorf("invalid level number %d", levelNum)
	}
	for _, id := range tableIDs {
		// Compactions list inputs from both levels; IDs absent here
		// belong to the other one.
		if _, exists := lm.levels[levelNum].tableMap[id]; exists {
			if err := lm.levels[levelNum].Remove(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetSSTablesForRead returns the live level states under a read lock. The
// caller must invoke the returned function to release it; the states must
// not be retained afterwards.
func (lm *LevelsManager) GetSSTablesForRead() ([]*LevelState, func()) {
	lm.mu.RLock()
	return lm.levels, lm.mu.RUnlock
}

// GetTablesForLevel returns a copy of a level's tables in level order.
func (lm *LevelsManager) GetTablesForLevel(levelNum int) []*sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return nil
	}
	return lm.levels[levelNum].GetTables()
}

// GetTotalSizeForLevel returns the byte size of one level.
func (lm *LevelsManager) GetTotalSizeForLevel(levelNum int) int64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.totalSizeForLevelLocked(levelNum)
}

func (lm *LevelsManager) totalSizeForLevelLocked(levelNum int) int64 {
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return 0
	}
	return lm.levels[levelNum].TotalSize()
}

// GetTotalTableCount returns the number of tables across all levels.
func (lm *LevelsManager) GetTotalTableCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	count := 0
	for _, level := range lm.levels {
		count += level.Size()
	}
	return count
}

// GetLevelForTable locates the level holding the given table ID.
func (lm *LevelsManager) GetLevelForTable(tableID uint64) (int, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, level := range lm.levels {
		if _, exists := level.tableMap[tableID]; exists {
			return level.levelNumber, true
		}
	}
	return -1, false
}

// MaxLevels returns the configured level count.
func (lm *LevelsManager) MaxLevels() int {
	return lm.maxLevels
}

// NeedsL0Compaction reports whether L0 has accumulated enough files or bytes
// to warrant pushing into L1.
func (lm *LevelsManager) NeedsL0Compaction(maxL0Files int, l0TriggerSize int64) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	l0Count := lm.levels[0].Size()
	l0Bytes := lm.levels[0].TotalSize()
	return l0Count >= maxL0Files || (l0Count > 0 && l0TriggerSize > 0 && l0Bytes >= l0TriggerSize)
}

// NeedsLevelNCompaction reports whether level N (N >= 1) exceeds its size
// target. The target for LN is baseTargetSize * multiplier^(N-1). The last
// level has no target.
func (lm *LevelsManager) NeedsLevelNCompaction(levelNum int, multiplier int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if levelNum <= 0 || levelNum >= lm.maxLevels-1 {
		return false
	}
	targetSize := lm.baseTargetSize
	for i := 1; i < levelNum; i++ {
		targetSize *= int64(multiplier)
	}
	return lm.totalSizeForLevelLocked(levelNum) >= targetSize
}

// GetOverlappingTables returns the tables of levelNum whose key ranges
// intersect [minKey, maxKey]. Nil bounds are open.
func (lm *LevelsManager) GetOverlappingTables(levelNum int, minKey, maxKey []byte) []*sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.getOverlappingTablesLocked(levelNum, minKey, maxKey)
}

func (lm *LevelsManager) getOverlappingTablesLocked(levelNum int, minKey, maxKey []byte) []*sstable.SSTable {
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return nil
	}
	if levelNum == 0 {
		// L0 files overlap arbitrarily; each must be checked.
		var overlapping []*sstable.SSTable
		for _, table := range lm.levels[0].GetTables() {
			if lm.tableOverlapsRange(table, minKey, maxKey) {
				overlapping = append(overlapping, table)
			}
		}
		return overlapping
	}

	// L1+ tables are disjoint and sorted by MinKey; binary search for the
	// first candidate.
	tables := lm.levels[levelNum].GetTables()
	startIndex := 0
	if minKey != nil {
		startIndex = sort.Search(len(tables), func(i int) bool {
			return lm.cmp.Compare(tables[i].MaxKey(), minKey) >= 0
		})
	}
	var overlapping []*sstable.SSTable
	for i := startIndex; i < len(tables); i++ {
		if maxKey != nil && lm.cmp.Compare(tables[i].MinKey(), maxKey) > 0 {
			break
		}
		overlapping = append(overlapping, tables[i])
	}
	return overlapping
}

func (lm *LevelsManager) tableOverlapsRange(table *sstable.SSTable, minKey, maxKey []byte) bool {
	if maxKey != nil && lm.cmp.Compare(table.MinKey(), maxKey) > 0 {
		return false
	}
	if minKey != nil && lm.cmp.Compare(table.MaxKey(), minKey) < 0 {
		return false
	}
	return true
}

// PickCompactionCandidateForLevelN selects the table of level N whose
// compaction into N+1 rewrites the least next-level data. When several
// candidates tie (commonly zero overlap), the fallback strategy decides.
func (lm *LevelsManager) PickCompactionCandidateForLevelN(levelNum int) *sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if levelNum <= 0 || levelNum >= lm.maxLevels-1 {
		return nil
	}
	tables := lm.levels[levelNum].GetTables()
	if len(tables) == 0 {
		return nil
	}

	var candidates []*sstable.SSTable
	minOverlapSize := int64(math.MaxInt64)
	for _, table := range tables {
		var overlapSize int64
		for _, next := range lm.getOverlappingTablesLocked(levelNum+1, table.MinKey(), table.MaxKey()) {
			overlapSize += next.Size()
		}
		switch {
		case overlapSize < minOverlapSize:
			minOverlapSize = overlapSize
			candidates = candidates[:0]
			candidates = append(candidates, table)
		case overlapSize == minOverlapSize:
			candidates = append(candidates, table)
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return lm.pickFromCandidates(candidates)
}

func (lm *LevelsManager) pickFromCandidates(candidates []*sstable.SSTable) *sstable.SSTable {
	if len(candidates) == 0 {
		return nil
	}
	switch lm.fallbackStrategy {
	case PickLargest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size() > candidates[j].Size() })
	case PickSmallest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size() < candidates[j].Size() })
	case PickMostEntries:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].NumEntries() > candidates[j].NumEntries() })
	case PickRandom:
		return candidates[rand.Intn(len(candidates))]
	case PickOldest:
		fallthrough
	default:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID() < candidates[j].ID() })
	}
	return candidates[0]
}

// ApplyCompactionResults atomically swaps a compaction's inputs for its
// outputs. oldTables may span both the source and target levels.
func (lm *LevelsManager) ApplyCompactionResults(sourceLevel, targetLevel int, newTables, oldTables []*sstable.SSTable) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if sourceLevel < 0 || sourceLevel >= lm.maxLevels || targetLevel < 0 || targetLevel >= lm.maxLevels {
		return fmt.Errorf("invalid source level %d or target level %d", sourceLevel, targetLevel)
	}

	oldIDs := GetTableIDs(oldTables)
	if err := lm.removeTablesLocked(sourceLevel, oldIDs); err != nil {
		return fmt.Errorf("failed to remove tables from source level %d: %w", sourceLevel, err)
	}
	if sourceLevel != targetLevel {
		if err := lm.removeTablesLocked(targetLevel, oldIDs); err != nil {
			return fmt.Errorf("failed to remove tables from target level %d: %w", targetLevel, err)
		}
	}
	if err := lm.levels[targetLevel].AddBatch(newTables); err != nil {
		return fmt.Errorf("failed to add new tables to target level %d: %w", targetLevel, err)
	}
	return nil
}

// VerifyConsistency checks that every L1+ level is sorted and disjoint.
// It returns all violations found rather than stopping at the first.
func (lm *LevelsManager) VerifyConsistency() []error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var errs []error
	for levelNum := 1; levelNum < lm.maxLevels; levelNum++ {
		tables := lm.levels[levelNum].GetTables()
		for i := 0; i < len(tables)-1; i++ {
			if lm.cmp.Compare(tables[i].MinKey(), tables[i+1].MinKey()) > 0 {
				errs = append(errs, fmt.Errorf("level %d: table %d (min %q) sorted after table %d (min %q)",
					levelNum, tables[i].ID(), tables[i].MinKey(), tables[i+1].ID(), tables[i+1].MinKey()))
			}
			if lm.cmp.Compare(tables[i].MaxKey(), tables[i+1].MinKey()) >= 0 {
				errs = append(errs, fmt.Errorf("level %d: table %d (max %q) overlaps table %d (min %q)",
					levelNum, tables[i].ID(), tables[i].MaxKey(), tables[i+1].ID(), tables[i+1].MinKey()))
			}
		}
	}
	return errs
}

// Close releases the manager's reference on every table in every level.
func (lm *LevelsManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var firstErr error
	for _, level := range lm.levels {
		for _, table := range level.GetTables() {
			if err := table.Unref(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to release table %d in level %d: %w", table.ID(), level.levelNumber, err)
			}
		}
	}
	return firstErr
}

// GetTableIDs extracts the IDs of a table slice, for manifest records and
// log messages.
func GetTableIDs(tables []*sstable.SSTable) []uint64 {
	ids := make([]uint64, len(tables))
	for i, tbl := range tables {
		ids[i] = tbl.ID()
	}
	return ids
}
