package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/INLOpen/nexuskv/core"
)

// manifestState is the durable description of the tree: which tables belong
// to which level of which column family, plus the counters recovery needs.
// Comparator and merge operator names are stored so a mismatched reopen
// fails instead of silently misordering keys.
type manifestState struct {
	NextFileID     uint64
	LastSeqNum     uint64
	LastWALSegment uint64
	ColumnFamilies []manifestColumnFamily
}

type manifestColumnFamily struct {
	Name              string
	ComparatorName    string
	MergeOperatorName string
	Levels            [][]uint64 // table IDs per level, in level order
}

// encode serializes the manifest payload (without header or checksum).
func (m *manifestState) encode(w io.Writer) error {
	var buf [binary.MaxVarintLen64]byte
	writeUvarint := func(v uint64) error {
		n := binary.PutUvarint(buf[:], v)
		_, err := w.Write(buf[:n])
		return err
	}
	writeString := func(s string) error {
		if err := writeUvarint(uint64(len(s))); err != nil {
			return err
		}
		_, err := io.WriteString(w, s)
		return err
	}

	if err := writeUvarint(m.NextFileID); err != nil {
		return err
	}
	if err := writeUvarint(m.LastSeqNum); err != nil {
		return err
	}
	if err := writeUvarint(m.LastWALSegment); err != nil {
		return err
	}
	if err := writeUvarint(uint64(len(m.ColumnFamilies))); err != nil {
		return err
	}
	for _, cf := range m.ColumnFamilies {
		if err := writeString(cf.Name); err != nil {
			return err
		}
		if err := writeString(cf.ComparatorName); err != nil {
			return err
		}
		if err := writeString(cf.MergeOperatorName); err != nil {
			return err
		}
		if err := writeUvarint(uint64(len(cf.Levels))); err != nil {
			return err
		}
		for _, level := range cf.Levels {
			if err := writeUvarint(uint64(len(level))); err != nil {
				return err
			}
			for _, id := range level {
				if err := writeUvarint(id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func decodeManifest(r *countingByteReader) (*manifestState, error) {
	readString := func() (string, error) {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	m := &manifestState{}
	var err error
	if m.NextFileID, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if m.LastSeqNum, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if m.LastWALSegment, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	cfCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < cfCount; i++ {
		var cf manifestColumnFamily
		if cf.Name, err = readString(); err != nil {
			return nil, err
		}
		if cf.ComparatorName, err = readString(); err != nil {
			return nil, err
		}
		if cf.MergeOperatorName, err = readString(); err != nil {
			return nil, err
		}
		levelCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		cf.Levels = make([][]uint64, levelCount)
		for l := uint64(0); l < levelCount; l++ {
			tableCount, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			ids := make([]uint64, tableCount)
			for t := uint64(0); t < tableCount; t++ {
				if ids[t], err = binary.ReadUvarint(r); err != nil {
					return nil, err
				}
			}
			cf.Levels[l] = ids
		}
		m.ColumnFamilies = append(m.ColumnFamilies, cf)
	}
	return m, nil
}

// countingByteReader adapts a byte slice for uvarint decoding.
type countingByteReader struct {
	data []byte
	pos  int
}

func (r *countingByteReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *countingByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// writeManifest persists the state as a new manifest generation and flips
// CURRENT to it. Both writes go through a temp file and an atomic rename, so
// a crash leaves either the old or the new manifest in effect, never a torn
// one.
func writeManifest(dir string, gen uint64, state *manifestState) error {
	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)
	if err := state.encode(payload); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload.Bytes())

	manifestName := core.FormatManifestFileName(gen)
	tmpPath := filepath.Join(dir, manifestName+".tmp")
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create manifest temp file: %w", err)
	}

	header := core.NewFileHeader(core.ManifestMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(payload.Len())); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest length: %w", err)
	}
	if _, err := file.Write(payload.Bytes()); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest payload: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, checksum); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	finalPath := filepath.Join(dir, manifestName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename manifest into place: %w", err)
	}

	if err := writeCurrent(dir, manifestName); err != nil {
		return err
	}
	return nil
}

// writeCurrent atomically points CURRENT at the given manifest file.
func writeCurrent(dir, manifestName string) error {
	tmpPath := filepath.Join(dir, core.CurrentFileName+".tmp")
	if err := os.WriteFile(tmpPath, []byte(manifestName+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write CURRENT temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, core.CurrentFileName)); err != nil {
		return fmt.Errorf("failed to rename CURRENT into place: %w", err)
	}
	return nil
}

// readManifest loads the manifest CURRENT points at. A missing CURRENT
// means a fresh directory; (nil, 0, nil) is returned.
func readManifest(dir string) (*manifestState, uint64, error) {
	currentData, err := os.ReadFile(filepath.Join(dir, core.CurrentFileName))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read CURRENT: %w", err)
	}
	manifestName := strings.TrimSpace(string(currentData))
	gen, err := core.ParseManifestFileName(manifestName)
	if err != nil {
		return nil, 0, fmt.Errorf("CURRENT names an invalid manifest %q: %w", manifestName, core.ErrCorrupted)
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read manifest %s: %w", manifestName, err)
	}

	headerSize := binary.Size(core.FileHeader{})
	if len(data) < headerSize+4+core.ChecksumSize {
		return nil, 0, fmt.Errorf("manifest %s truncated: %w", manifestName, core.ErrCorrupted)
	}
	if _, err := core.ReadFileHeader(&countingByteReader{data: data[:headerSize]}, core.ManifestMagicNumber); err != nil {
		return nil, 0, fmt.Errorf("manifest %s: %w", manifestName, err)
	}
	payloadLen := binary.LittleEndian.Uint32(data[headerSize : headerSize+4])
	payloadStart := headerSize + 4
	if len(data) < payloadStart+int(payloadLen)+core.ChecksumSize {
		return nil, 0, fmt.Errorf("manifest %s payload truncated: %w", manifestName, core.ErrCorrupted)
	}
	payload := data[payloadStart : payloadStart+int(payloadLen)]
	storedChecksum := binary.LittleEndian.Uint32(data[payloadStart+int(payloadLen):])
	if crc32.ChecksumIEEE(payload) != storedChecksum {
		return nil, 0, fmt.Errorf("manifest %s checksum mismatch: %w", manifestName, core.ErrCorrupted)
	}

	state, err := decodeManifest(&countingByteReader{data: payload})
	if err != nil {
		return nil, 0, fmt.Errorf("manifest %s decode failed: %w", manifestName, core.ErrCorrupted)
	}
	return state, gen, nil
}

// purgeOldManifests removes manifest generations other than the live one.
// Best effort; leftovers are harmless.
func purgeOldManifests(dir string, liveGen uint64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var gens []uint64
	for _, entry := range entries {
		gen, err := core.ParseManifestFileName(entry.Name())
		if err != nil || gen == liveGen {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	for _, gen := range gens {
		if gen < liveGen {
			os.Remove(filepath.Join(dir, core.FormatManifestFileName(gen)))
		}
	}
}
