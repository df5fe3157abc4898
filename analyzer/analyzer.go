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

// Package analyzer drives the block tree's recursive decomposition: a
// multi-round, multi-level pass that invokes every registered parser,
// strict class before fuzzy, highest priority first, deduplicating
// newly-produced blocks as it goes.
package analyzer

import (
	"fmt"
	"sort"

	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/dedup"
	"github.com/fairytale-go/fairytale/parsers"
	"github.com/fairytale-go/fairytale/storagemgr"
	"github.com/fairytale-go/fairytale/streams"
)

// Analyzer owns the parser list (sorted once, at construction, by class
// then descending priority) and an optional deduper.
type Analyzer struct {
	parsers []parsers.Parser
	dedup   *dedup.Dedup
}

// New builds an Analyzer. ps is copied and sorted by (Class ascending -
// Strict before Fuzzy, matching spec order [Strict, Fuzzy] - then
// Priority descending); d may be nil to disable deduplication entirely.
func New(ps []parsers.Parser, d *dedup.Dedup) *Analyzer {
	sorted := append([]parsers.Parser(nil), ps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Class() != sorted[j].Class() {
			return sorted[i].Class() < sorted[j].Class()
		}
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Analyzer{parsers: sorted, dedup: d}
}

// Process runs the pass loop over root's tree starting at root.Level,
// advancing one level at a time while the previous level produced at
// least one segmentation, up to blocktree.MaxRecursionLevel. It reports
// whether any segmentation was produced across the whole run.
func (a *Analyzer) Process(root *blocktree.Block, manager *storagemgr.Manager) (bool, error) {
	if root == nil {
		return false, nil
	}
	level := root.Level
	globalFound := false

	for {
		levelFound := false
		for _, p := range a.parsers {
			block := firstCandidate(root, level)
			for block != nil {
				unpin, ok, err := pin(block, manager)
				if err != nil {
					return globalFound, err
				}
				next := block.Advance(level, true)
				if !ok {
					block = next
					continue
				}

				found, err := p.Parse(block, manager)
				unpin()
				if err != nil {
					return globalFound, err
				}
				if found {
					levelFound, globalFound = true, true
					if a.dedup != nil {
						if err := a.dedup.Process(block, next, manager); err != nil {
							return globalFound, err
						}
					}
				}
				block = next
			}
		}
		level++
		if !levelFound || level >= blocktree.MaxRecursionLevel {
			break
		}
	}
	return globalFound, nil
}

// firstCandidate returns the first non-done, non-Dedup block at level
// reachable from root (root itself counts), or nil if none exists.
func firstCandidate(root *blocktree.Block, level uint32) *blocktree.Block {
	if root.Level == level && root.Type != blocktree.Dedup && !root.Done {
		return root
	}
	return root.Advance(level, true)
}

// pin ensures block's backing stream is addressable for the duration of
// a parser invocation: reviving a dormant hybrid stream (level > 0) or
// waking a sleeping file stream (level == 0). The returned func restores
// whatever transient state pin changed. ok is false with a nil error
// when storage pressure (or a file stream that can't be woken) means
// this candidate should simply be skipped this round, not treated as a
// failure - mirroring dedup.pin's contract (see dedup/dedup.go), kept
// as its own small copy here rather than a shared export: the two
// packages pin for different reasons (one candidate vs. a matched
// pair) and the teacher's packages favor a few duplicated lines over a
// cross-package helper for something this small.
func pin(block *blocktree.Block, manager *storagemgr.Manager) (unpin func(), ok bool, err error) {
	if block.Data == nil {
		return nil, false, nil
	}
	if block.Level > 0 {
		hs, isHybrid := block.Data.(*streams.HybridStream)
		if !isHybrid {
			return nil, false, fmt.Errorf("analyzer: level>0 block not backed by a hybrid stream")
		}
		if !hs.Active() {
			revived, rerr := block.Revive(manager)
			if rerr != nil {
				return nil, false, rerr
			}
			if !revived {
				return nil, false, nil
			}
		}
		hs.KeepAlive = true
		return func() { hs.KeepAlive = false }, true, nil
	}

	fs, isFile := block.Data.(*streams.FileStream)
	if !isFile {
		return nil, false, fmt.Errorf("analyzer: level==0 block not backed by a file stream")
	}
	dormant := fs.Dormant()
	if dormant && !fs.WakeUp() {
		return nil, false, nil
	}
	return func() {
		if dormant {
			fs.Sleep()
		}
	}, true, nil
}
