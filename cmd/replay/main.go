package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"mm-hedge-bot/internal/features"
	"mm-hedge-bot/internal/recorder"
)

type line struct {
	Symbol   string          `json:"symbol"`
	Time     time.Time       `json:"time"`
	Features features.Vector `json:"features"`
}

func main() {
	input := flag.String("input", "data/books.msgpack", "recorder file to replay")
	symbol := flag.String("symbol", "", "only replay this symbol")
	history := flag.Int("history", features.DefaultHistory, "snapshots per feature window")
	flag.Parse()

	r, err := recorder.Open(*input)
	if err != nil {
		fatal(err)
	}
	defer r.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)

	extractor := features.Extractor{History: *history}
	buffers := make(map[string]*features.Buffer)
	var read, written, skipped int
	for {
		book, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fatal(fmt.Errorf("record %d: %w", read+1, err))
		}
		read++
		if *symbol != "" && book.Symbol != *symbol {
			continue
		}
		buf, ok := buffers[book.Symbol]
		if !ok {
			buf = features.NewBuffer(*history)
			buffers[book.Symbol] = buf
		}
		buf.Push(book)
		if !buf.Full() {
			continue
		}
		vec, err := extractor.Extract(buf.Snapshots())
		if err != nil {
			skipped++
			continue
		}
		if err := enc.Encode(line{Symbol: book.Symbol, Time: book.Time, Features: vec}); err != nil {
			fatal(err)
		}
		written++
	}
	fmt.Fprintf(os.Stderr, "read %d snapshots, wrote %d vectors, skipped %d\n", read, written, skipped)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
