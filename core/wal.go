package core

// WALEntry is a single logical operation recorded in the write-ahead log.
// All column families share one WAL, so each entry carries the family name.
type WALEntry struct {
	CF        string
	Key       []byte
	Value     []byte
	EntryType EntryType
	SeqNum    uint64
}
