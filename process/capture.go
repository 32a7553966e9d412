package process

import (
	"bytes"
	"strings"
	"sync"
)

const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Chunk is one read from one of the candidate's output streams.
type Chunk struct {
	Stream string
	Data   []byte
}

// Output is what a process wrote during one interaction.
type Output struct {
	Stdout []byte
	Stderr []byte
}

func (o Output) StdoutString() string {
	return string(o.Stdout)
}

func (o Output) StderrString() string {
	return string(o.Stderr)
}

// StdoutLines returns the complete lines written to stdout, without line terminators.
func (o Output) StdoutLines() []string {
	return completeLines(o.Stdout)
}

func completeLines(data []byte) []string {
	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, strings.TrimSuffix(string(data[:i]), "\r"))
		data = data[i+1:]
	}
}

// outputWriter is installed as the process's stdout or stderr. os/exec copies each stream on
// its own goroutine, so the two streams are drained independently and never wait on each
// other or on stdin.
type outputWriter struct {
	h       *Handle
	stream  string
	partial []byte
	lock    sync.Mutex
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.h.append(w.stream, p)

	w.lock.Lock()
	defer w.lock.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.h.logger().Candidate(w.stream, strings.TrimSuffix(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// flush logs a final line that had no terminator.
func (w *outputWriter) flush() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if len(w.partial) > 0 {
		w.h.logger().Candidate(w.stream, string(w.partial))
		w.partial = nil
	}
}
