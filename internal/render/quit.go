package render

import (
	"bufio"
	"io"
	"strings"
)

// WatchQuit reads lines from r and closes the returned channel once a line
// equal to key (case-insensitive) arrives. The channel stays open if r ends first.
func WatchQuit(r io.Reader, key string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if strings.EqualFold(strings.TrimSpace(scanner.Text()), key) {
				close(done)
				return
			}
		}
	}()
	return done
}
