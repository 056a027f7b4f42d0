package archive

import (
	"bufio"
	"compress/gzip"
	"io"
	"strings"
)

const maxScanTokenSize = 16 * 1024 * 1024

// LineReader streams newline-delimited records from an archive object,
// transparently decompressing gzip bodies.
type LineReader struct {
	rc  io.ReadCloser
	gz  *gzip.Reader
	sc  *bufio.Scanner
	err error
}

// NewLineReader wraps an object body. Gzip is detected from the object's
// content encoding or a .gz key suffix.
func NewLineReader(rc io.ReadCloser, contentEncoding, key string) (*LineReader, error) {
	lr := &LineReader{rc: rc}

	var src io.Reader = rc
	if contentEncoding == "gzip" || strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		lr.gz = gz
		src = gz
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 256*1024), maxScanTokenSize)
	lr.sc = sc
	return lr, nil
}

// Next returns the next non-empty line; io.EOF when exhausted. The returned
// slice is owned by the caller.
func (lr *LineReader) Next() ([]byte, error) {
	if lr.err != nil {
		return nil, lr.err
	}
	for {
		if !lr.sc.Scan() {
			if err := lr.sc.Err(); err != nil {
				lr.err = err
				return nil, err
			}
			lr.err = io.EOF
			return nil, io.EOF
		}
		line := lr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		return cp, nil
	}
}

func (lr *LineReader) Close() error {
	var first error
	if lr.gz != nil {
		if err := lr.gz.Close(); err != nil {
			first = err
		}
	}
	if lr.rc != nil {
		if err := lr.rc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
