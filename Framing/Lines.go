package Framing

import (
	"bytes"
	"fmt"

	"PodLogServer/ReceiveBuffer"
)

// ExtractLines splits complete newline-terminated lines off the front of the
// buffer, without the terminator or a trailing carriage return. A partial line
// stays buffered; one that already fills the whole buffer can never complete.
func ExtractLines(buf *ReceiveBuffer.Buffer[byte]) ([]string, error) {
	var lines []string
	for !buf.Empty() {
		window := buf.Data()
		end := bytes.IndexByte(window, '\n')
		if end < 0 {
			if len(window) == buf.MaxSize() {
				return lines, fmt.Errorf("%w: no newline in %d bytes", ErrFrameTooLarge, len(window))
			}
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(window[:end], []byte{'\r'})))
		_ = buf.Consume(end + 1)
	}
	return lines, nil
}
