package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sstable"
)

// ExternalFileOptions configure an ExternalFileWriter. The comparator must
// match the column family the file will be ingested into.
type ExternalFileOptions struct {
	Path            string
	Comparator      core.Comparator
	CompressionType core.CompressionType
	BlockSize       int
}

// ExternalFileWriter builds an SSTable outside the engine for later
// ingestion. Keys must be added in strictly increasing order; every entry is
// written at sequence number zero, so ingested data ranks below any live
// write to the same key.
type ExternalFileWriter struct {
	writer  core.SSTableWriterInterface
	cmp     core.Comparator
	path    string
	lastKey []byte
	count   uint64
}

var externalFileSeq atomic.Uint64

// NewExternalFileWriter creates a writer building toward opts.Path.
func NewExternalFileWriter(opts ExternalFileOptions) (*ExternalFileWriter, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("Path must be set")
	}
	if opts.Comparator == nil {
		opts.Comparator = core.DefaultComparator
	}
	compressor, err := compressors.Get(opts.CompressionType)
	if err != nil {
		return nil, err
	}
	// The writer names its temp file after the ID; Finish renames the
	// result to opts.Path, so the ID only needs to be unique per process.
	w, err := sstable.NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:    filepath.Dir(opts.Path),
		ID:         uint64(os.Getpid())<<32 | externalFileSeq.Add(1),
		BlockSize:  opts.BlockSize,
		Compressor: compressor,
	})
	if err != nil {
		return nil, err
	}
	return &ExternalFileWriter{writer: w, cmp: opts.Comparator, path: opts.Path}, nil
}

// Put adds key=value. Keys must arrive in strictly increasing comparator
// order.
func (w *ExternalFileWriter) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if w.lastKey != nil && w.cmp.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order: %q after %q", key, w.lastKey)
	}
	if err := w.writer.Add(key, value, core.EntryTypePut, 0); err != nil {
		return err
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.count++
	return nil
}

// Count returns the number of entries added so far.
func (w *ExternalFileWriter) Count() uint64 {
	return w.count
}

// Finish seals the file at the configured path.
func (w *ExternalFileWriter) Finish() error {
	if w.count == 0 {
		w.writer.Abort()
		return fmt.Errorf("external file has no entries")
	}
	if err := w.writer.Finish(); err != nil {
		return err
	}
	if err := os.Rename(w.writer.FilePath(), w.path); err != nil {
		os.Remove(w.writer.FilePath())
		return fmt.Errorf("failed to move external file into place: %w", err)
	}
	return nil
}

// Abort discards the partially built file.
func (w *ExternalFileWriter) Abort() error {
	return w.writer.Abort()
}

// IngestExternalFile registers an externally built SSTable with a column
// family without rewriting it. The file is validated, checked for key-range
// overlap with live data, and placed at the deepest level that keeps the
// tree consistent. Without opts.AllowOverlap an overlapping file is rejected
// with ErrOverlappingIngest and the database is left unchanged.
func (db *DB) IngestExternalFile(cfName, path string, opts IngestOptions) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.readOnly.Load() {
		return ErrReadOnly
	}
	cf, err := db.getCF(cfName)
	if err != nil {
		return err
	}

	// Validate the source and learn its key bounds before touching the
	// data directory.
	probe, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
		FilePath:   path,
		ID:         0,
		Comparator: cf.opts.Comparator,
		Logger:     db.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("external file %s is not a valid sstable: %w", path, err)
	}
	minKey := append([]byte(nil), probe.MinKey()...)
	maxKey := append([]byte(nil), probe.MaxKey()...)
	if probe.MaxSeqNum() != 0 {
		probe.Close()
		return fmt.Errorf("external file %s contains non-zero sequence numbers", path)
	}
	probe.Close()

	// Hold the commit lock across the overlap check and placement so no
	// write can slip into the checked range.
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	cf.compactMu.Lock()
	defer cf.compactMu.Unlock()

	overlaps := db.ingestRangeOverlaps(cf, minKey, maxKey)
	if overlaps && !opts.AllowOverlap {
		return fmt.Errorf("file %s range [%q, %q]: %w", path, minKey, maxKey, ErrOverlappingIngest)
	}

	id := db.nextFileID.Add(1)
	finalPath := filepath.Join(db.sstDir, core.FormatSSTableFileName(id))
	if err := placeFile(path, finalPath, opts.MoveFile); err != nil {
		return err
	}

	table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
		FilePath:   finalPath,
		ID:         id,
		Comparator: cf.opts.Comparator,
		BlockCache: db.blockCache,
		Logger:     db.opts.Logger,
	})
	if err != nil {
		os.Remove(finalPath)
		return err
	}

	if overlaps {
		err = cf.levels.AddL0Table(table)
	} else {
		err = cf.levels.AddTablesToLevel(cf.levels.MaxLevels()-1, []*sstable.SSTable{table})
	}
	if err != nil {
		table.Remove()
		return err
	}

	if err := db.persistManifest(); err != nil {
		return err
	}
	db.logger.Info("external file ingested",
		"column_family", cf.name,
		"table_id", id,
		"entries", table.NumEntries(),
		"overlapping", overlaps)
	return nil
}

// ingestRangeOverlaps reports whether [minKey, maxKey] intersects any live
// data of the family, in memtables or on disk.
func (db *DB) ingestRangeOverlaps(cf *columnFamily, minKey, maxKey []byte) bool {
	sources := cf.memtableSources(minKey, nil, core.Ascending)
	defer closeAll(sources)
	for _, it := range sources {
		if it.Next() {
			node, err := it.At()
			if err == nil && cf.opts.Comparator.Compare(node.Key, maxKey) <= 0 {
				return true
			}
		}
	}
	for level := 0; level < cf.levels.MaxLevels(); level++ {
		if len(cf.levels.GetOverlappingTables(level, minKey, maxKey)) > 0 {
			return true
		}
	}
	return false
}

// placeFile moves or copies src to dst. A move falls back to a copy when
// rename crosses filesystems.
func placeFile(src, dst string, move bool) error {
	if move {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open external file: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create ingested file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy external file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to sync ingested file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	if move {
		os.Remove(src)
	}
	return nil
}
