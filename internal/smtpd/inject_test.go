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
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSmallBodyStaysInMemory(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache, err := NewCache(fs, "/cache", 1<<10)
	require.NoError(t, err)

	sink, err := cache.Write(context.Background(), strings.NewReader("hello"))
	require.NoError(t, err)

	r, err := sink.Reader()
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	files, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	assert.Empty(t, files, "a small body should never touch disk")
}

func TestCacheLargeBodySpillsToDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache, err := NewCache(fs, "/cache", 8)
	require.NoError(t, err)

	body := bytes.Repeat([]byte("x"), 64)

	sink, err := cache.Write(context.Background(), bytes.NewReader(body))
	require.NoError(t, err)

	files, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	assert.Len(t, files, 1, "a body past the memory limit should spill to one scratch file")

	r, err := sink.Reader()
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	require.NoError(t, sink.Release(context.Background()))

	files, err = afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	assert.Empty(t, files, "Release should remove the scratch file")
}

func TestSinkReaderIsRewindable(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache, err := NewCache(fs, "/cache", 4)
	require.NoError(t, err)

	sink, err := cache.Write(context.Background(), strings.NewReader("spills to disk"))
	require.NoError(t, err)

	first, err := sink.Reader()
	require.NoError(t, err)
	_, err = io.ReadAll(first)
	require.NoError(t, err)

	second, err := sink.Reader()
	require.NoError(t, err)
	got, err := io.ReadAll(second)
	require.NoError(t, err)

	assert.Equal(t, "spills to disk", string(got))
}

func TestMemorySinkReleaseIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache, err := NewCache(fs, "/cache", 1<<10)
	require.NoError(t, err)

	sink, err := cache.Write(context.Background(), strings.NewReader("small"))
	require.NoError(t, err)

	assert.NoError(t, sink.Release(context.Background()))
}
