package runstore

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
)

// DefaultTailBytes bounds how much of a log file is read to produce a tail.
const DefaultTailBytes int64 = 64 * 1024

// TailFile returns up to n trailing lines of the file at path, reading at most
// maxBytes from the end. A missing file yields no lines and no error.
//
// When the byte window starts mid-file the first (partial) line is dropped.
func TailFile(path string, n int, maxBytes int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	offset := st.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	window, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if idx := bytes.IndexByte(window, '\n'); idx >= 0 {
			window = window[idx+1:]
		} else {
			window = nil
		}
	}

	return TailLines(bytes.NewReader(window), n)
}

// TailLines keeps the last n lines of r in a fixed-size ring.
func TailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), int(DefaultTailBytes)*4)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
