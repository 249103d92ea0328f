// Copyright (C) 2018  Lukas Dietrich <lukas@lukasdietrich.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package smtpd

import (
	"bytes"
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/briefrelay/smtpd/internal/log"
)

// defaultMemoryLimit is the largest body kept purely in memory before a
// Sink spills the remainder to the scratch filesystem.
const defaultMemoryLimit = 1 << 20 // 1 MiB

// Cache hands out Sinks for finished message bodies. It makes no
// durability claims: a Sink's contents are scratch space, removed once
// the injection callback returns.
type Cache struct {
	fs          afero.Fs
	memoryLimit int64
}

// NewCache builds a Cache rooted at root on the given filesystem. Passing
// afero.NewOsFs() roots it at a real directory; tests typically pass
// afero.NewMemMapFs() instead.
func NewCache(fs afero.Fs, root string, memoryLimit int64) (*Cache, error) {
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}

	if err := fs.MkdirAll(root, 0700); err != nil {
		return nil, err
	}

	base := afero.NewBasePathFs(fs, root)

	return &Cache{fs: base, memoryLimit: memoryLimit}, nil
}

// Write copies all of r into a new Sink, spilling to a uuid-named
// scratch file on the Cache's filesystem once memoryLimit is exceeded.
// It reads one byte past memoryLimit to tell a body of exactly
// memoryLimit bytes, which stays in memory, from a longer one.
func (c *Cache) Write(ctx context.Context, r io.Reader) (*Sink, error) {
	memory := bytes.NewBuffer(nil)

	n, err := io.Copy(memory, io.LimitReader(r, c.memoryLimit+1))
	if err != nil {
		return nil, err
	}

	if n <= c.memoryLimit {
		return &Sink{memory: memory}, nil
	}

	id := uuid.New().String()

	file, err := c.fs.Create(id)
	if err != nil {
		return nil, err
	}

	log.DebugContext(ctx).
		Str("filename", id).
		Int64("memoryLimit", c.memoryLimit).
		Msg("message body exceeds memory limit, spilling to scratch file")

	if _, err := io.Copy(file, io.MultiReader(memory, r)); err != nil {
		_ = file.Close()
		_ = c.fs.Remove(id)
		return nil, err
	}

	return &Sink{id: id, file: file, fs: c.fs}, nil
}

// Sink is a single finished message body, either wholly in memory or
// spilled to a scratch file.
type Sink struct {
	memory *bytes.Buffer
	id     string
	file   afero.File
	fs     afero.Fs
}

// Reader returns a reader over the full body, seeking to the start
// first if the body lives on disk. Not safe for concurrent use.
func (s *Sink) Reader() (io.Reader, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.file, nil
	}

	return bytes.NewReader(s.memory.Bytes()), nil
}

// Release removes the scratch file backing this Sink, if any. A Sink
// entirely in memory is released by the garbage collector instead.
func (s *Sink) Release(ctx context.Context) error {
	if s.file == nil {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return err
	}

	if err := s.fs.Remove(s.id); err != nil {
		log.WarnContext(ctx).Str("filename", s.id).Err(err).Msg("could not remove scratch file")
		return err
	}

	return nil
}
