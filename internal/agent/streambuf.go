package agent

import "strings"

const (
	openMarker  = "<tool_call>"
	closeMarker = "</tool_call>"
)

// markupFilter forwards streamed text to the host while hiding inline
// tool-call markup, including markers split across chunk boundaries. A small
// two-state machine: outside a call it holds back any suffix that could be
// the start of the open marker; inside a call it discards text until the
// close marker.
type markupFilter struct {
	emit   func(string)
	hiding bool
	held   string
}

func newMarkupFilter(emit func(string)) *markupFilter {
	if emit == nil {
		emit = func(string) {}
	}
	return &markupFilter{emit: emit}
}

func (f *markupFilter) Write(delta string) {
	data := f.held + delta
	f.held = ""
	for data != "" {
		if f.hiding {
			if idx := strings.Index(data, closeMarker); idx != -1 {
				data = data[idx+len(closeMarker):]
				f.hiding = false
				continue
			}
			// Keep only what could be a partial close marker; the hidden
			// body itself is recovered by the extractor, not here.
			f.held = partialMarkerSuffix(data, closeMarker)
			return
		}

		if idx := strings.Index(data, openMarker); idx != -1 {
			if idx > 0 {
				f.emit(data[:idx])
			}
			data = data[idx+len(openMarker):]
			f.hiding = true
			continue
		}

		keep := partialMarkerSuffix(data, openMarker)
		if visible := data[:len(data)-len(keep)]; visible != "" {
			f.emit(visible)
		}
		f.held = keep
		return
	}
}

// Flush ends the stream. Held text that never completed a marker is ordinary
// output and is released; text inside an unterminated block stays hidden —
// the extractor owns it.
func (f *markupFilter) Flush() {
	if !f.hiding && f.held != "" {
		f.emit(f.held)
	}
	f.held = ""
	f.hiding = false
}

// partialMarkerSuffix returns the longest suffix of s that is a proper
// prefix of marker.
func partialMarkerSuffix(s, marker string) string {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
