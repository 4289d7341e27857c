package logs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxLineBytes caps a single returned line; longer lines are cut and end with
// truncatedMarker.
const maxLineBytes = 1024 * 1024

const truncatedMarker = " [line truncated]"

// Page is one slice of a log file.
type Page struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
	// Start is the zero-based index of Lines[0].
	Start int `json:"start"`
	// NextLine is the index to pass as sinceLine to continue reading.
	NextLine int `json:"next_line"`
	// Total is the number of lines in the file at read time. A trailing line
	// without a newline only counts when the file was read as final.
	Total int `json:"total"`
}

// ReadLines returns up to limit newline-terminated lines starting at
// zero-based sinceLine. A negative sinceLine returns the last limit lines;
// limit <= 0 means no bound. A trailing line still being written is left out
// and NextLine stays in front of it. A missing file yields an empty page.
func ReadLines(path string, sinceLine, limit int) (Page, error) {
	return read(path, sinceLine, limit, false)
}

// ReadLinesFinal is ReadLines for a file that will not grow again: a trailing
// line without a newline is returned as the last line.
func ReadLinesFinal(path string, sinceLine, limit int) (Page, error) {
	return read(path, sinceLine, limit, true)
}

func read(path string, sinceLine, limit int, final bool) (Page, error) {
	page := Page{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return page, nil
		}
		return page, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return page, fmt.Errorf("log path %q is a directory", path)
	}

	if sinceLine < 0 {
		return readLastLines(path, limit, final)
	}
	return readFromLine(path, sinceLine, limit, final)
}

// Tail returns the last n lines of path, including a trailing partial line.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	page, err := ReadLinesFinal(path, -1, n)
	if err != nil {
		return nil, err
	}
	return page.Lines, nil
}

// CountLines returns the number of newline-terminated lines in path, plus one
// for a trailing partial line. A missing file has zero lines.
func CountLines(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var (
		count int64
		last  byte
		buf   = make([]byte, 32*1024)
	)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			count += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read log file: %w", err)
		}
	}
	if last != 0 && last != '\n' {
		count++
	}
	return count, nil
}

// eachLine calls fn for every line of path in order and returns how many
// lines it visited. The trailing unterminated line is visited only when final
// is set.
func eachLine(path string, final bool, fn func(index int, line string)) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := lineReader{r: bufio.NewReaderSize(file, 64*1024)}
	index := 0
	for {
		line, complete, err := reader.next()
		if errors.Is(err, io.EOF) {
			return index, nil
		}
		if err != nil {
			return index, err
		}
		if !complete && !final {
			return index, nil
		}
		fn(index, line)
		index++
	}
}

type lineReader struct {
	r *bufio.Reader
}

// next returns the next line without its line ending. complete is false for
// a last line that has no newline yet.
func (lr *lineReader) next() (string, bool, error) {
	var (
		buf       []byte
		truncated bool
	)
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !truncated {
			if room := maxLineBytes - len(buf); len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			return finishLine(buf, truncated), true, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return "", false, io.EOF
			}
			return finishLine(buf, truncated), false, nil
		default:
			return "", false, err
		}
	}
}

func finishLine(buf []byte, truncated bool) string {
	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	if truncated {
		return string(buf) + truncatedMarker
	}
	return string(buf)
}

func readLastLines(path string, limit int, final bool) (Page, error) {
	page := Page{Path: path}

	// the ring grows with the file so a large limit costs nothing up front
	var ring []string
	total, err := eachLine(path, final, func(index int, line string) {
		switch {
		case limit <= 0 || len(ring) < limit:
			ring = append(ring, line)
		default:
			ring[index%limit] = line
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return page, nil
		}
		return page, fmt.Errorf("read log file: %w", err)
	}

	count := len(ring)
	first := total - count
	if limit > 0 && total > limit {
		page.Lines = make([]string, count)
		for i := 0; i < count; i++ {
			page.Lines[i] = ring[(first+i)%limit]
		}
	} else {
		page.Lines = ring
	}
	page.Start = first
	page.Total = total
	page.NextLine = total
	return page, nil
}

func readFromLine(path string, sinceLine, limit int, final bool) (Page, error) {
	page := Page{Path: path, Start: sinceLine, NextLine: sinceLine}
	total, err := eachLine(path, final, func(index int, line string) {
		if index >= sinceLine && (limit <= 0 || len(page.Lines) < limit) {
			page.Lines = append(page.Lines, line)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Page{Path: path}, nil
		}
		return page, fmt.Errorf("read log file: %w", err)
	}
	page.Total = total
	page.NextLine = sinceLine + len(page.Lines)
	if page.Start > total {
		page.Start = total
		page.NextLine = total
	}
	return page, nil
}
