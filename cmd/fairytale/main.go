// Copyright (C) 2024 Fairytale, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command fairytale walks a single input file through the analyzer,
// recognizing and deduplicating embedded structures, and prints the
// resulting block tree.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fairytale-go/fairytale/analyzer"
	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/dedup"
	"github.com/fairytale-go/fairytale/parsers"
	"github.com/fairytale-go/fairytale/storagemgr"
	"github.com/fairytale-go/fairytale/streams"
)

var (
	dashMem  = flag.String("mem", "64MiB", "hot (in-memory) storage budget, e.g. 64MiB")
	dashDisk = flag.String("disk", "256MiB", "cold (on-disk) storage budget, e.g. 256MiB")
)

var sizeSuffixes = map[string]int64{
	"":    1,
	"B":   1,
	"KiB": 1024,
	"MiB": 1024 * 1024,
	"GiB": 1024 * 1024 * 1024,
}

// parseSize parses a "<number><suffix>" string such as "64MiB", the
// inverse of the teacher's own cmd/sdb human() formatter - which only
// ever goes the other direction, so this side has no teacher
// counterpart to port (see DESIGN.md).
func parseSize(s string) (int64, error) {
	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') {
		i--
	}
	num, suffix := s[:i], s[i:]
	mult, ok := sizeSuffixes[suffix]
	if !ok {
		return 0, fmt.Errorf("unrecognized size suffix %q in %q", suffix, s)
	}
	var value int64
	if _, err := fmt.Sscanf(num, "%d", &value); err != nil || num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return value * mult, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-mem 64MiB] [-disk 256MiB] <file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0), *dashMem, *dashDisk); err != nil {
		log.Fatal(err)
	}
}

func run(path, memFlag, diskFlag string) error {
	hot, err := parseSize(memFlag)
	if err != nil {
		return fmt.Errorf("-mem: %w", err)
	}
	cold, err := parseSize(diskFlag)
	if err != nil {
		return fmt.Errorf("-disk: %w", err)
	}

	manager, err := storagemgr.New(hot, cold)
	if err != nil {
		return fmt.Errorf("storagemgr.New: %w", err)
	}
	defer manager.Close()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fs, err := streams.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer fs.Close()

	root := blocktree.NewRoot(fs, info.Size())

	a := analyzer.New([]parsers.Parser{
		&parsers.BitmapParser{},
		&parsers.JPEGParser{},
		&parsers.ModParser{},
		parsers.NewDeflateParser(true, true),
	}, dedup.New())

	if _, err := a.Process(root, manager); err != nil {
		return fmt.Errorf("analyzer.Process: %w", err)
	}

	printTree(root, 0)
	return nil
}

// printTree writes one line per block (type, level, offset, length,
// hash), depth-first: child sub-trees indented under their parent.
func printTree(block *blocktree.Block, depth int) {
	for b := block; b != nil; b = b.Next {
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		fmt.Printf("%s%-8s id=%s level=%d offset=%d length=%d hash=%08x\n",
			indent, b.Type, b.ID, b.Level, b.Offset, b.Length, b.Hash)
		if b.Child != nil {
			printTree(b.Child, depth+1)
		}
	}
}
