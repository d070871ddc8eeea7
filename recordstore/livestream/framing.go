package livestream

import (
	"context"
	"errors"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/recordstreams/recordstore-go/recordstore"
)

// frameTerminator separates framed events on the wire. A serialized event is
// one line of JSON followed by a blank line, the shape a chunked-transfer
// consumer splits on.
const frameTerminator = "\n\n"

// MarshalFrame serializes the event to its wire frame: a single line of
// compact JSON terminated by a double newline.
func MarshalFrame(event recordstore.Event) ([]byte, error) {
	payload, marshalErr := jsoniter.ConfigFastest.Marshal(event)
	if marshalErr != nil {
		return nil, errors.Join(recordstore.ErrDataNotSerializable, marshalErr)
	}

	return append(payload, frameTerminator...), nil
}

// FrameWriter writes framed events to an underlying writer, flushing after
// every frame when the writer supports it.
type FrameWriter struct {
	w io.Writer
}

// flusher is the subset of http.Flusher a chunked transport exposes.
type flusher interface {
	Flush()
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteEvent frames the event and writes it out.
func (fw *FrameWriter) WriteEvent(event recordstore.Event) error {
	frame, frameErr := MarshalFrame(event)
	if frameErr != nil {
		return frameErr
	}

	if _, writeErr := fw.w.Write(frame); writeErr != nil {
		return writeErr
	}

	if f, ok := fw.w.(flusher); ok {
		f.Flush()
	}

	return nil
}

// StreamTo pumps the stream into the writer as framed events until the
// context is canceled, the stream is closed, or the writer fails. The stream
// is always closed before returning, so the bus subscription never outlives
// the pump.
func StreamTo(ctx context.Context, stream *Stream, w io.Writer) error {
	defer func() {
		_ = stream.Close()
	}()

	frameWriter := NewFrameWriter(w)

	for {
		event, nextErr := stream.Next(ctx)
		if nextErr != nil {
			if errors.Is(nextErr, ErrStreamClosed) || errors.Is(nextErr, context.Canceled) || errors.Is(nextErr, context.DeadlineExceeded) {
				return nil
			}

			return nextErr
		}

		if writeErr := frameWriter.WriteEvent(event); writeErr != nil {
			return writeErr
		}
	}
}
