package gateway

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/wellspring-kb/session-controller/internal/model"
)

// readEvents reassembles server-sent events from r and delivers them to
// onEvent. Events are delimited by a blank line; lines are tagged "event:"
// or "data:"; an untagged event defaults to the message type. The transport
// may break a logical event into arbitrarily many chunks; the line scanner
// absorbs that. Reading stops after the terminal end event.
func readEvents(r io.Reader, onEvent func(model.StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventType := model.EventMessage
	var data []string
	sawAny := false

	dispatch := func() (stop bool, err error) {
		if !sawAny {
			return false, nil
		}
		ev := model.StreamEvent{
			Type: eventType,
			Data: strings.Join(data, "\n"),
		}
		eventType = model.EventMessage
		data = nil
		sawAny = false

		if err := onEvent(ev); err != nil {
			return true, err
		}
		return ev.Type == model.EventEnd, nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			stop, err := dispatch()
			if err != nil || stop {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// SSE comment, used for keep-alives.
			continue
		}
		if value, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = model.StreamEventType(strings.TrimSpace(value))
			sawAny = true
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
			sawAny = true
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	// A trailing event without a final blank line still counts.
	if _, err := dispatch(); err != nil {
		return err
	}
	return nil
}
