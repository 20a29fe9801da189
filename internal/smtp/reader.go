package smtp

import (
	"bufio"
	"errors"
)

// errLineTooLong is returned when a line exceeds the caller's limit. The
// rest of the line has been consumed from the reader.
var errLineTooLong = errors.New("smtp: line too long")

// readLine reads one line including its terminating "\n". At most limit
// bytes are buffered; longer lines are drained and reported as
// errLineTooLong so the next read starts on a fresh line.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err == nil {
		if len(line) > limit {
			return nil, errLineTooLong
		}
		return append([]byte(nil), line...), nil
	}
	if err != bufio.ErrBufferFull {
		return nil, err
	}

	// The line is longer than the bufio buffer; accumulate chunks.
	if len(line) > limit {
		drainLine(r)
		return nil, errLineTooLong
	}
	buf := append([]byte(nil), line...)

	for {
		line, err = r.ReadSlice('\n')
		if len(buf)+len(line) > limit {
			if err == bufio.ErrBufferFull {
				drainLine(r)
			}
			return nil, errLineTooLong
		}
		buf = append(buf, line...)

		if err == nil {
			return buf, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// drainLine discards input up to and including the next "\n".
func drainLine(r *bufio.Reader) {
	for {
		_, err := r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// trimLineEnding strips a trailing "\r\n" or "\n".
func trimLineEnding(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	return line[:n]
}
