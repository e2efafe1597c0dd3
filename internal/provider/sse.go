package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// errStreamDone stops the SSE reader cleanly when the terminal sentinel
// arrives before the connection closes.
var errStreamDone = errors.New("stream done")

// readSSE walks server-sent event frames: lines accumulate into a frame until
// a blank line, the "data: " payloads of a frame concatenate into one event,
// and "[DONE]" ends the stream. onEvent receives each non-empty payload;
// returning an error aborts the read.
func readSSE(body io.Reader, onEvent func(data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		payload := data.String()
		data.Reset()
		if payload == "[DONE]" {
			return errStreamDone
		}
		return onEvent(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if errFlush := flush(); errFlush != nil {
				if errFlush == errStreamDone {
					return nil
				}
				return errFlush
			}
			continue
		}
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			data.WriteString(rest)
		}
	}
	if errScan := scanner.Err(); errScan != nil {
		return errScan
	}
	// Connection closed mid-frame; whatever accumulated is still an event.
	if errFlush := flush(); errFlush != nil && errFlush != errStreamDone {
		return errFlush
	}
	return nil
}
