// Package recorder stores order book snapshots as a stream of msgpack
// records for offline feature extraction and replay.
//
// Each record is a 4-element array: symbol, unix milliseconds, bids, asks.
// Book sides are arrays of [price, size] pairs in book order.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"mm-hedge-bot/internal/market"
)

const recordFields = 4

type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *msgpack.Encoder
	c   io.Closer
	n   int
}

func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{buf: buf, enc: msgpack.NewEncoder(buf)}
}

// Create opens path for appending, creating parent directories.
func Create(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := NewWriter(f)
	w.c = f
	return w, nil
}

func (w *Writer) Write(book market.BookSnapshot) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.EncodeArrayLen(recordFields); err != nil {
		return err
	}
	if err := w.enc.EncodeString(book.Symbol); err != nil {
		return err
	}
	if err := w.enc.EncodeInt(book.Time.UnixMilli()); err != nil {
		return err
	}
	if err := encodeSide(w.enc, book.Bids); err != nil {
		return err
	}
	if err := encodeSide(w.enc, book.Asks); err != nil {
		return err
	}
	w.n++
	return nil
}

// Count is the number of records written through this writer.
func (w *Writer) Count() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	err := w.Flush()
	if w.c != nil {
		if cerr := w.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func encodeSide(enc *msgpack.Encoder, levels []market.PriceLevel) error {
	if err := enc.EncodeArrayLen(len(levels)); err != nil {
		return err
	}
	for _, lvl := range levels {
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(lvl.Price); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(lvl.Size); err != nil {
			return err
		}
	}
	return nil
}

type Reader struct {
	dec *msgpack.Decoder
	c   io.Closer
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f)
	r.c = f
	return r, nil
}

// Next returns io.EOF after the last complete record. Snapshots are rebuilt
// through market.NewBookSnapshot so the imbalance is recomputed.
func (r *Reader) Next() (market.BookSnapshot, error) {
	n, err := r.dec.DecodeArrayLen()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return market.BookSnapshot{}, io.EOF
		}
		return market.BookSnapshot{}, err
	}
	if n != recordFields {
		return market.BookSnapshot{}, fmt.Errorf("recorder: record has %d fields, want %d", n, recordFields)
	}
	symbol, err := r.dec.DecodeString()
	if err != nil {
		return market.BookSnapshot{}, unexpected(err)
	}
	ms, err := r.dec.DecodeInt64()
	if err != nil {
		return market.BookSnapshot{}, unexpected(err)
	}
	bids, err := decodeSide(r.dec)
	if err != nil {
		return market.BookSnapshot{}, unexpected(err)
	}
	asks, err := decodeSide(r.dec)
	if err != nil {
		return market.BookSnapshot{}, unexpected(err)
	}
	return market.NewBookSnapshot(symbol, time.UnixMilli(ms).UTC(), bids, asks), nil
}

func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

func decodeSide(dec *msgpack.Decoder) ([]market.PriceLevel, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	levels := make([]market.PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		pair, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if pair != 2 {
			return nil, fmt.Errorf("recorder: level has %d fields", pair)
		}
		price, err := dec.DecodeFloat64()
		if err != nil {
			return nil, err
		}
		size, err := dec.DecodeFloat64()
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

// unexpected turns EOF inside a record into a truncation error.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
