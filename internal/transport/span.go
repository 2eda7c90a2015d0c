package transport

import "github.com/tinylib/msgp/msgp"

// Span is the wire form of one finished span, encoded as a msgpack map
// in the layout the agent's trace endpoint expects. TraceID carries only
// the low 64 bits; the high half travels in Meta as _dd.p.tid.
type Span struct {
	Service  string
	Name     string
	Resource string
	Type     string
	TraceID  uint64
	SpanID   uint64
	ParentID uint64
	Start    int64 // unix nanoseconds
	Duration int64 // nanoseconds
	Error    int32
	Meta     map[string]string
	Metrics  map[string]float64
}

// EncodeMsg writes the span to w. The type key is omitted when empty;
// every other key is always present.
func (s *Span) EncodeMsg(w *msgp.Writer) error {
	fields := uint32(11)
	if s.Type != "" {
		fields++
	}
	if err := w.WriteMapHeader(fields); err != nil {
		return err
	}
	if err := writeStringField(w, "service", s.Service); err != nil {
		return err
	}
	if err := writeStringField(w, "name", s.Name); err != nil {
		return err
	}
	if err := writeStringField(w, "resource", s.Resource); err != nil {
		return err
	}
	if s.Type != "" {
		if err := writeStringField(w, "type", s.Type); err != nil {
			return err
		}
	}
	if err := writeUint64Field(w, "trace_id", s.TraceID); err != nil {
		return err
	}
	if err := writeUint64Field(w, "span_id", s.SpanID); err != nil {
		return err
	}
	if err := writeUint64Field(w, "parent_id", s.ParentID); err != nil {
		return err
	}
	if err := writeInt64Field(w, "start", s.Start); err != nil {
		return err
	}
	if err := writeInt64Field(w, "duration", s.Duration); err != nil {
		return err
	}
	if err := w.WriteString("error"); err != nil {
		return err
	}
	if err := w.WriteInt32(s.Error); err != nil {
		return err
	}
	if err := w.WriteString("meta"); err != nil {
		return err
	}
	if err := w.WriteMapHeader(uint32(len(s.Meta))); err != nil {
		return err
	}
	for key, value := range s.Meta {
		if err := writeStringField(w, key, value); err != nil {
			return err
		}
	}
	if err := w.WriteString("metrics"); err != nil {
		return err
	}
	if err := w.WriteMapHeader(uint32(len(s.Metrics))); err != nil {
		return err
	}
	for key, value := range s.Metrics {
		if err := w.WriteString(key); err != nil {
			return err
		}
		if err := w.WriteFloat64(value); err != nil {
			return err
		}
	}
	return nil
}

func writeStringField(w *msgp.Writer, key, value string) error {
	if err := w.WriteString(key); err != nil {
		return err
	}
	return w.WriteString(value)
}

func writeUint64Field(w *msgp.Writer, key string, value uint64) error {
	if err := w.WriteString(key); err != nil {
		return err
	}
	return w.WriteUint64(value)
}

func writeInt64Field(w *msgp.Writer, key string, value int64) error {
	if err := w.WriteString(key); err != nil {
		return err
	}
	return w.WriteInt64(value)
}
