// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batchio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sqlcluster/batch"
)

// An Encoder writes a stream of batches to an underlying io.Writer.
// Each batch is followed by a CRC32 checksum of its encoding, which is
// verified by the decoding reader.
type Encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

// NewEncoder returns a new Encoder that streams batches into w.
func NewEncoder(w io.Writer) *Encoder {
	crc := crc32.NewIEEE()
	return &Encoder{
		enc: gob.NewEncoder(io.MultiWriter(w, crc)),
		crc: crc,
	}
}

// Encode encodes a single batch into the encoder's writer.
func (e *Encoder) Encode(b *batch.Batch) error {
	e.crc.Reset()
	if err := e.enc.Encode(b); err != nil {
		return errors.E(errors.Fatal, "encode batch", err)
	}
	return e.enc.Encode(e.crc.Sum32())
}

// EncodeAll encodes each of the provided batches.
func (e *Encoder) EncodeAll(batches []*batch.Batch) error {
	for _, b := range batches {
		if err := e.Encode(b); err != nil {
			return err
		}
	}
	return nil
}

type decodingReader struct {
	dec *gob.Decoder
	crc hash.Hash32
	err error
}

// NewDecodingReader returns a Reader that decodes batches from a
// stream written by an Encoder. A checksum mismatch is reported as an
// errors.Integrity error.
func NewDecodingReader(r io.Reader) Reader {
	// gob inserts its own buffering unless the reader implements
	// io.ByteReader, which would desynchronize the checksum from the
	// decoder's position. We buffer beneath the checksum instead and
	// present a reader that claims to be buffered.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	return &decodingReader{dec: gob.NewDecoder(readerByteReader{Reader: r}), crc: crc}
}

func (d *decodingReader) Read(ctx context.Context) (*batch.Batch, error) {
	if d.err != nil {
		return nil, d.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.crc.Reset()
	b := new(batch.Batch)
	if d.err = d.dec.Decode(b); d.err != nil {
		if d.err == io.EOF {
			d.err = EOF
		}
		return nil, d.err
	}
	sum := d.crc.Sum32()
	var decoded uint32
	if d.err = d.dec.Decode(&decoded); d.err != nil {
		if d.err == io.EOF {
			d.err = io.ErrUnexpectedEOF
		}
		return nil, d.err
	}
	if sum != decoded {
		d.err = errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
		return nil, d.err
	}
	if d.err = b.Validate(); d.err != nil {
		d.err = errors.E(errors.Integrity, d.err)
		return nil, d.err
	}
	return b, nil
}

// readerByteReader provides an (invalid) implementation of
// io.ByteReader so that gob does not add its own buffering.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}

type closingReader struct {
	Reader
	io.Closer
}

// NewDecodingReadCloser returns a ReadCloser that decodes batches from
// rc and closes rc when closed.
func NewDecodingReadCloser(rc io.ReadCloser) ReadCloser {
	return closingReader{NewDecodingReader(rc), rc}
}

// Marshal encodes the provided batches into a byte slice.
func Marshal(batches []*batch.Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeAll(batches); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes the batches encoded in p by Marshal.
func Unmarshal(p []byte) ([]*batch.Batch, error) {
	return ReadAll(context.Background(), NewDecodingReader(bytes.NewReader(p)))
}
