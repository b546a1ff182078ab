package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the database engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// ManifestMagicNumber identifies a binary manifest file.
	ManifestMagicNumber uint32 = 0x424E414D // "MANB" for MANifest Binary
	// SSTableMagicNumber identifies an SSTable file.
	SSTableMagicNumber uint32 = 0x53535442 // "SSTB"
)

// --- Magic Strings ---
const (
	// SSTableMagicString is a unique identifier placed at the end of an SSTable file.
	SSTableMagicString    = "LSMT-SSTABLE-V1"
	SSTableMagicStringLen = len(SSTableMagicString)
)

// --- File Names & Prefixes ---
const (
	// CurrentFileName is the name of the file that points to the latest MANIFEST file.
	CurrentFileName = "CURRENT"
	// ManifestFilePrefix is the prefix for manifest files, e.g., MANIFEST_0000012.bin
	ManifestFilePrefix = "MANIFEST"
	// LockFileName guards the data directory against a second process.
	LockFileName = "LOCK"
	// WALDirName is the subdirectory holding WAL segments.
	WALDirName = "wal"
	// SSTDirName is the subdirectory holding SSTable files.
	SSTDirName = "sst"
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// SSTableFileSuffix is the suffix for SSTable files.
	SSTableFileSuffix = ".sst"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 128 * 1024 * 1024 // 128 MB
)

const (
	SeqNumSize   = 8 // uint64 sequence number
	ChecksumSize = 4 // uint32 CRC32 checksum
)

// FormatTempFilename appends a temp postfix to a final file name.
func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a WAL segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a WAL segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatSSTableFileName creates an SSTable file name from its id.
func FormatSSTableFileName(id uint64) string {
	return fmt.Sprintf("%d%s", id, SSTableFileSuffix)
}

// FormatManifestFileName creates a manifest file name from its generation.
func FormatManifestFileName(gen uint64) string {
	return fmt.Sprintf("%s_%07d.bin", ManifestFilePrefix, gen)
}

// ParseManifestFileName extracts the generation from a manifest file name.
func ParseManifestFileName(name string) (uint64, error) {
	if !strings.HasPrefix(name, ManifestFilePrefix+"_") || !strings.HasSuffix(name, ".bin") {
		return 0, fmt.Errorf("file %s is not a manifest file", name)
	}
	name = strings.TrimSuffix(strings.TrimPrefix(name, ManifestFilePrefix+"_"), ".bin")
	return strconv.ParseUint(name, 10, 64)
}
