package protocol

import (
	"fmt"
	"time"
)

// recordPayloadPreview caps the payload bytes rendered by Record.String.
const recordPayloadPreview = 32

// Record is the observed view of one frame: where it was seen and, when the
// registry knows it, its name.
type Record struct {
	Frame     Frame     `json:"frame"`
	Phase     Phase     `json:"phase"`
	Direction Direction `json:"direction"`
	Name      string    `json:"name,omitempty"` // empty when the registry has no entry
	Time      time.Time `json:"time"`
}

// NewRecord builds a Record and resolves its name through names. The wire
// identifier is used as the section ordinal; a nil lookup leaves Name empty.
func NewRecord(f Frame, phase Phase, dir Direction, names NameLookup) Record {
	rec := Record{
		Frame:     f,
		Phase:     phase,
		Direction: dir,
		Time:      time.Now(),
	}
	if names != nil {
		if name, ok := names.Lookup(phase, dir, f.ID); ok {
			rec.Name = name
		}
	}
	return rec
}

// HasName reports whether the packet name was resolved.
func (r Record) HasName() bool {
	return r.Name != ""
}

// DisplayName returns the resolved name or a placeholder.
func (r Record) DisplayName() string {
	if r.Name == "" {
		return "<unknown>"
	}
	return r.Name
}

// String renders "id size name phase direction payload".
func (r Record) String() string {
	payload := r.Frame.Payload
	suffix := ""
	if len(payload) > recordPayloadPreview {
		payload = payload[:recordPayloadPreview]
		suffix = fmt.Sprintf(" ...(+%d)", len(r.Frame.Payload)-recordPayloadPreview)
	}
	return fmt.Sprintf("0x%02X %d %s %s %s [% x]%s",
		r.Frame.ID,
		r.Frame.Length,
		r.DisplayName(),
		r.Phase,
		r.Direction,
		payload,
		suffix,
	)
}
