// Package biemlog centralizes the teacher's own logging convention: plain
// fmt output tagged with a bracketed component name, writeable to any
// io.Writer so tests can capture it instead of polluting stderr.
package biemlog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects all future log lines. Primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Printf writes "[tag] <formatted message>\n" to the configured writer.
func Printf(tag, format string, args ...interface{}) {
	mu.Lock()
	w := out
	mu.Unlock()
	fmt.Fprintf(w, "[%s] %s\n", tag, fmt.Sprintf(format, args...))
}

// Println writes "[tag] <message>\n".
func Println(tag string, args ...interface{}) {
	mu.Lock()
	w := out
	mu.Unlock()
	fmt.Fprintf(w, "[%s] %s\n", tag, fmt.Sprintln(args...))
}
