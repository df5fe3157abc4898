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

package archive

import "testing"

func TestCost(t *testing.T) {
	cases := []struct {
		n    int64
		cost int64
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{1 << 35, 6},
	}
	for _, c := range cases {
		if got := Cost(c.n); got != c.cost {
			t.Errorf("Cost(%d) = %d, want %d", c.n, got, c.cost)
		}
	}
}

func TestULEB128RoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 127, 128, 300, 16384, 1 << 40} {
		buf := AppendULEB128(nil, n)
		if int64(len(buf)) != Cost(n) {
			t.Errorf("n=%d: encoded length %d != Cost %d", n, len(buf), Cost(n))
		}
		got, consumed := ReadULEB128(buf)
		if consumed != len(buf) || got != n {
			t.Errorf("n=%d: round trip got value=%d consumed=%d, want value=%d consumed=%d", n, got, consumed, n, len(buf))
		}
	}
}

func TestReadULEB128Truncated(t *testing.T) {
	buf := AppendULEB128(nil, 16384)
	if _, consumed := ReadULEB128(buf[:len(buf)-1]); consumed != 0 {
		t.Fatal("expected truncated buffer to report 0 bytes consumed")
	}
}
