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

package streams

import (
	"io"
	"os"
)

// FileStream wraps an on-disk file. It retains the path after Sleep
// releases the OS handle, so deep recursion over many sibling blocks does
// not exhaust the process's file descriptor budget: only the handful of
// FileStreams actually being read at a given moment need to hold a real
// *os.File.
type FileStream struct {
	path       string
	flag       int
	perm       os.FileMode
	f          *os.File
	pendingPos int64 // cursor to restore on WakeUp, saved by Sleep
}

var _ Stream = (*FileStream)(nil)

// OpenFile opens path with the given flag/perm (as os.OpenFile) and
// returns an active FileStream over it.
func OpenFile(path string, flag int, perm os.FileMode) (*FileStream, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &FileStream{path: path, flag: flag, perm: perm, f: f}, nil
}

// Close releases the OS handle permanently; the FileStream is unusable
// afterward (unlike Sleep, Close discards the path too).
func (fs *FileStream) Close() error {
	if fs.f == nil {
		return nil
	}
	err := fs.f.Close()
	fs.f = nil
	fs.path = ""
	return err
}

// Dormant reports whether the OS handle has been released via Sleep
// while the path is still retained for a future WakeUp.
func (fs *FileStream) Dormant() bool {
	return fs.f == nil && fs.path != ""
}

// Sleep releases the OS handle, retaining the path for WakeUp. It is a
// no-op if already dormant.
func (fs *FileStream) Sleep() bool {
	if fs.Dormant() {
		return true
	}
	if fs.f == nil {
		return false
	}
	pos, err := fs.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false
	}
	if err := fs.f.Close(); err != nil {
		return false
	}
	fs.f = nil
	fs.pendingPos = pos
	return true
}

// WakeUp reopens the file at its retained path, restoring the cursor
// saved by Sleep. It is a no-op if already active.
func (fs *FileStream) WakeUp() bool {
	if !fs.Dormant() {
		return true
	}
	f, err := os.OpenFile(fs.path, fs.flag, fs.perm)
	if err != nil {
		return false
	}
	if _, err := f.Seek(fs.pendingPos, io.SeekStart); err != nil {
		f.Close()
		return false
	}
	fs.f = f
	return true
}

func (fs *FileStream) Seek(offset int64) bool {
	if fs.f == nil {
		return false
	}
	_, err := fs.f.Seek(offset, io.SeekStart)
	return err == nil
}

func (fs *FileStream) Position() int64 {
	if fs.f == nil {
		return -1
	}
	pos, err := fs.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	return pos
}

func (fs *FileStream) Size() int64 {
	if fs.f == nil {
		return -1
	}
	fi, err := fs.f.Stat()
	if err != nil {
		return -1
	}
	return fi.Size()
}

func (fs *FileStream) GetByte() int {
	if fs.f == nil {
		return -1
	}
	var b [1]byte
	n, err := fs.f.Read(b[:])
	if n != 1 || err != nil {
		return -1
	}
	return int(b[0])
}

func (fs *FileStream) PutByte(b byte) bool {
	if fs.f == nil {
		return false
	}
	_, err := fs.f.Write([]byte{b})
	return err == nil
}

func (fs *FileStream) Read(buf []byte) (int, error) {
	if fs.f == nil {
		return 0, ErrClosed
	}
	return fs.f.Read(buf)
}

func (fs *FileStream) Write(buf []byte) (int, error) {
	if fs.f == nil {
		return 0, ErrClosed
	}
	return fs.f.Write(buf)
}
