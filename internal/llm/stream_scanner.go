package llm

import (
	"bufio"
	"io"
)

const (
	streamScannerInitialBuffer = 64 * 1024
	streamScannerMaxBuffer     = 2 * 1024 * 1024
)

// newStreamScanner returns a line scanner sized for event-stream payloads;
// a single data: line can carry a whole tool-call argument fragment.
func newStreamScanner(reader io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, streamScannerInitialBuffer), streamScannerMaxBuffer)
	return scanner
}
