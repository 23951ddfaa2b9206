package client

import (
	"bytes"
	"encoding/json"

	"github.com/sprintlens/sprintlens/pkg/types"
)

// streamDataPrefix marks lines carrying a JSON payload; anything else on the
// stream is ignored.
var streamDataPrefix = []byte("data: ")

// LineDecoder reassembles stream events from arbitrary transport chunks.
// Bytes after the last newline are buffered until more arrive, so a record
// split mid-JSON across a chunk boundary is never parsed as a partial
// record. The zero value is ready to use.
type LineDecoder struct {
	buf bytes.Buffer
}

// Feed consumes one transport chunk and returns every event completed by it,
// in arrival order. Malformed complete lines are dropped.
func (d *LineDecoder) Feed(chunk []byte) []types.StreamEvent {
	d.buf.Write(chunk)

	var events []types.StreamEvent
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return events
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		d.buf.Next(idx + 1)

		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, streamDataPrefix) {
			continue
		}

		var event types.StreamEvent
		if err := json.Unmarshal(line[len(streamDataPrefix):], &event); err != nil {
			continue
		}
		events = append(events, event)
	}
}
