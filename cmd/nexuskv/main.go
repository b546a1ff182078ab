// Command nexuskv is a small maintenance and inspection tool for a database
// directory: point reads and writes, range scans, manual compaction and
// integrity checks.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/INLOpen/nexuskv/config"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: nexuskv [flags] <command> [args]

Commands:
  put <key> <value>      write a key
  get <key>              read a key
  delete <key>           delete a key
  scan [start] [end]     list keys in [start, end)
  flush                  flush the memtable to disk
  compact                compact the full keyspace
  ingest <file.sst>      ingest an externally built sstable
  verify                 check every table against its checksums
  families               list column families

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	dataDir := flag.String("data", "", "data directory (overrides the config)")
	cfName := flag.String("cf", "", "column family (empty means default)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(*configPath, *dataDir, *cfName, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, cfName string, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	opts, err := cfg.EngineOptions(logger)
	if err != nil {
		return err
	}
	if dataDir != "" {
		opts.DataDir = dataDir
	}
	cfOpts, err := cfg.DefaultColumnFamilyOptions()
	if err != nil {
		return err
	}
	opts.ColumnFamilies = map[string]engine.ColumnFamilyOptions{
		engine.DefaultColumnFamilyName: cfOpts,
	}

	db, err := engine.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "put":
		if len(rest) != 2 {
			return fmt.Errorf("put needs <key> <value>")
		}
		return db.Put(cfName, []byte(rest[0]), []byte(rest[1]))

	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("get needs <key>")
		}
		val, err := db.Get(cfName, []byte(rest[0]), nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", val)
		return nil

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("delete needs <key>")
		}
		return db.Delete(cfName, []byte(rest[0]))

	case "scan":
		var start, end []byte
		if len(rest) > 0 {
			start = []byte(rest[0])
		}
		if len(rest) > 1 {
			end = []byte(rest[1])
		}
		iter, err := db.NewIterator(cfName, start, end, core.Ascending, nil)
		if err != nil {
			return err
		}
		defer iter.Close()
		for iter.Next() {
			node, err := iter.At()
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", node.Key, node.Value)
		}
		return iter.Error()

	case "flush":
		return db.Flush(cfName)

	case "compact":
		return db.CompactRange(cfName)

	case "ingest":
		if len(rest) != 1 {
			return fmt.Errorf("ingest needs <file.sst>")
		}
		return db.IngestExternalFile(cfName, rest[0], engine.IngestOptions{})

	case "verify":
		errs := db.VerifyIntegrity()
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d integrity problems found", len(errs))
		}
		fmt.Println("ok")
		return nil

	case "families":
		for _, name := range db.ListColumnFamilies() {
			fmt.Println(name)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
