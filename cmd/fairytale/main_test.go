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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"64MiB", 64 * 1024 * 1024, false},
		{"256MiB", 256 * 1024 * 1024, false},
		{"1GiB", 1024 * 1024 * 1024, false},
		{"512KiB", 512 * 1024, false},
		{"4096B", 4096, false},
		{"0", 0, false},
		{"64XiB", 0, true},
		{"MiB", 0, true},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseSize(%q): expected an error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSize(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRunPrintsRecognizedStructure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.bin")
	content := bytes.Repeat([]byte("plain uncompressed filler text, nothing to recognize here. "), 20)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := run(path, "1MiB", "1MiB"); err != nil {
		t.Fatalf("run: %v", err)
	}
}
