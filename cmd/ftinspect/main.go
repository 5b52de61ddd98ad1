// ftinspect is an interactive inspector for fractal-tree database files
// (SPEC_FULL.md PACKAGE LAYOUT): open (or create) a file, then walk its
// header, translation table, allocator extents, and tree nodes from a
// REPL, the same pflag-for-startup-flags/liner-for-commands shape as
// the teacher's own cmd/sloty.
//
// Usage:
//
//	ftinspect [--create] [--node-size N] [--basement-size N] [--fanout N] <db-file>
//
// Commands (in REPL):
//
//	header                      Dump the current header slot
//	stats                       Dump running Stats counters
//	blocks / extents            List the block table's live block→extent entries
//	                            and the allocator extents in layout order
//	get <key>                   Look up a key
//	put <key> <value>           Insert or update a key
//	del <key>                   Delete a key
//	walk                        Depth-first dump of the tree from the root
//	checkpoint                  Run a checkpoint now
//	help                        Show this help
//	exit / quit / q             Exit
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/fractaltree/internal/blocktable"
	"github.com/calvinalkan/fractaltree/internal/header"
	"github.com/calvinalkan/fractaltree/internal/node"
	"github.com/calvinalkan/fractaltree/pkg/fractaltree"
	"github.com/calvinalkan/fractaltree/pkg/fs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("ftinspect", pflag.ExitOnError)

	create := flags.Bool("create", false, "create a new database file instead of opening an existing one")
	nodeSize := flags.Uint32("node-size", header.DefaultNodeSize, "node size in bytes (only with --create)")
	basementSize := flags.Uint32("basement-size", header.DefaultBasementSize, "basement size in bytes (only with --create)")
	fanout := flags.Uint32("fanout", 16, "fanout target (only with --create)")
	compression := flags.String("compression", "zstd", "compression method: none|zstd|snappy (only with --create)")
	tuningFile := flags.String("tuning-file", "", "load TuningOptions from a JSONC file instead of the above flags (only with --create)")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ftinspect [options] <db-file>\n\nOptions:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if flags.NArg() < 1 {
		flags.Usage()
		return fmt.Errorf("missing db-file path")
	}

	path := flags.Arg(0)
	real := fs.NewReal()

	if *create {
		tuning := fractaltree.DefaultTuningOptions()

		if *tuningFile != "" {
			var err error

			tuning, err = fractaltree.LoadTuningOptions(real, *tuningFile)
			if err != nil {
				return fmt.Errorf("loading tuning file: %w", err)
			}
		} else {
			tuning.NodeSize = *nodeSize
			tuning.BasementSize = *basementSize
			tuning.FanoutTarget = *fanout

			method, err := parseCompressionFlag(*compression)
			if err != nil {
				return err
			}

			tuning.Compression = method
		}

		if err := fractaltree.Create(real, path, tuning); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}

		fmt.Printf("Created %s (node_size=%d basement_size=%d fanout=%d compression=%s)\n",
			path, tuning.NodeSize, tuning.BasementSize, tuning.FanoutTarget, *compression)
	}

	db, err := fractaltree.Open(real, path, fractaltree.Options{})
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close(context.Background())

	repl := &REPL{db: db, path: path}

	return repl.Run()
}

func parseCompressionFlag(s string) (header.CompressionMethod, error) {
	switch s {
	case "none":
		return header.CompressionNone, nil
	case "zstd":
		return header.CompressionZstd, nil
	case "snappy":
		return header.CompressionSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compression method %q", s)
	}
}

// REPL is the interactive command loop over one open *fractaltree.DB.
type REPL struct {
	db    *fractaltree.DB
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".ftinspect_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("ftinspect - fractal-tree inspector (%s)\n", r.path)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	ctx := context.Background()

	for {
		line, err := r.liner.Prompt("ftinspect> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "header":
			r.cmdHeader()

		case "stats":
			r.cmdStats()

		case "blocks", "extents":
			r.cmdBlocks()

		case "get":
			r.cmdGet(ctx, args)

		case "put":
			r.cmdPut(ctx, args)

		case "del", "delete":
			r.cmdDelete(ctx, args)

		case "walk":
			r.cmdWalk(ctx)

		case "checkpoint":
			r.cmdCheckpoint(ctx)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"header", "stats", "blocks", "get", "put", "del", "delete",
		"walk", "checkpoint", "clear", "cls", "help", "exit", "quit", "q",
	}

	var out []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  header                Dump the current header slot")
	fmt.Println("  stats                 Dump running Stats counters")
	fmt.Println("  blocks / extents      List the block table's live entries and allocator extents")
	fmt.Println("  get <key>             Look up a key")
	fmt.Println("  put <key> <value>     Insert or update a key")
	fmt.Println("  del <key>             Delete a key")
	fmt.Println("  walk                  Depth-first dump of the tree from the root")
	fmt.Println("  checkpoint            Run a checkpoint now")
	fmt.Println("  help                  Show this help")
	fmt.Println("  exit / quit / q       Exit")
}

func (r *REPL) cmdHeader() {
	hdr := r.db.Header()
	fmt.Printf("LayoutVersion:   %d\n", hdr.LayoutVersion)
	fmt.Printf("BuildID:         %s\n", hdr.BuildID)
	fmt.Printf("CheckpointCount: %d\n", hdr.CheckpointCount)
	fmt.Printf("CheckpointLSN:   %d\n", hdr.CheckpointLSN)
	fmt.Printf("RootBlockNum:    %d\n", hdr.RootBlockNum)
	fmt.Printf("NodeSize:        %d\n", hdr.NodeSize)
	fmt.Printf("BasementSize:    %d\n", hdr.BasementSize)
	fmt.Printf("FanoutTarget:    %d\n", hdr.FanoutTarget)
	fmt.Printf("TranslationLoc:  %d\n", hdr.TranslationLoc)
	fmt.Printf("TranslationSize: %d\n", hdr.TranslationSize)
}

func (r *REPL) cmdStats() {
	stats := r.db.Header().Stats
	fmt.Printf("NumInserts:   %d\n", stats.NumInserts)
	fmt.Printf("NumDeletes:   %d\n", stats.NumDeletes)
	fmt.Printf("NumFlushes:   %d\n", stats.NumFlushes)
	fmt.Printf("LogicalBytes: %d\n", stats.LogicalBytes)
	fmt.Printf("OnDiskBytes:  %d\n", stats.OnDiskBytes)
}

func (r *REPL) cmdBlocks() {
	entries := r.db.BlockEntries()
	if len(entries) == 0 {
		fmt.Println("(empty)")

		return
	}

	nums := make([]blocktable.BlockNum, 0, len(entries))
	for bn := range entries {
		nums = append(nums, bn)
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, bn := range nums {
		e := entries[bn]
		fmt.Printf("block %d -> offset=%d size=%d\n", bn, e.Offset, e.Size)
	}

	fmt.Println()
	fmt.Println("Extents (layout order):")

	for _, e := range r.db.Extents() {
		fmt.Printf("  offset=%d size=%d\n", e.Offset, e.Size)
	}
}

func (r *REPL) cmdGet(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")

		return
	}

	key := parseKeyArg(args[0])

	val, found, err := r.db.Get(ctx, key)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !found {
		fmt.Println("(not found)")

		return
	}

	fmt.Printf("Value: %s\n", formatBytes(val))
}

func (r *REPL) cmdPut(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")

		return
	}

	key := parseKeyArg(args[0])
	val := []byte(strings.Join(args[1:], " "))

	if err := r.db.Insert(ctx, key, val); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: put %s\n", formatBytes(key))
}

func (r *REPL) cmdDelete(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")

		return
	}

	key := parseKeyArg(args[0])

	if err := r.db.Delete(ctx, key); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: deleted %s\n", formatBytes(key))
}

func (r *REPL) cmdCheckpoint(ctx context.Context) {
	if err := r.db.Checkpoint(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: checkpoint complete")
}

func (r *REPL) cmdWalk(ctx context.Context) {
	err := r.db.Walk(ctx, func(n *node.Node) error {
		kind := "leaf"
		if !n.IsLeaf() {
			kind = "internal"
		}

		fmt.Printf("block=%d height=%d %s children=%d\n", n.BlockNum, n.Height, kind, len(n.Children))

		return nil
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func parseKeyArg(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 && len(s) > 0 && isHexLike(s) {
		return raw
	}

	return []byte(s)
}

func isHexLike(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}

	return true
}

func formatBytes(b []byte) string {
	printable := true

	for _, c := range b {
		if c < 32 || c > 126 {
			printable = false

			break
		}
	}

	if printable {
		return fmt.Sprintf("%q", string(b))
	}

	return hex.EncodeToString(b)
}
