// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zcache

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
)

type compressor struct {
	writers sync.Pool
	readers sync.Pool
}

func newCompressor(level int) *compressor {
	return &compressor{
		writers: sync.Pool{
			New: func() any { return brotli.NewWriterLevel(nil, level) },
		},
		readers: sync.Pool{
			New: func() any { return brotli.NewReader(nil) },
		},
	}
}

func (c *compressor) compress(page []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := c.writers.Get().(*brotli.Writer)
	defer c.writers.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(page); err != nil {
		return nil, fmt.Errorf("zcache: compression failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zcache: compression failed: %w", err)
	}

	return buf.Bytes(), nil
}

func (c *compressor) decompress(src, page []byte) error {
	r := c.readers.Get().(*brotli.Reader)
	defer c.readers.Put(r)

	if err := r.Reset(bytes.NewReader(src)); err != nil {
		return fmt.Errorf("zcache: decompression failed: %w", err)
	}
	if _, err := io.ReadFull(r, page); err != nil {
		return fmt.Errorf("zcache: decompression failed: %w", err)
	}

	return nil
}
