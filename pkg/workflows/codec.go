// Package workflows implements the execution channel between the deployment
// update core and the workflow runners: queues that carry execution requests,
// the frames that carry completions back, and the handler that finalizes an
// update once its workflow terminates.
package workflows

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// MessageType tags a frame on the execution channel.
type MessageType string

const (
	// MessageTypeRequest carries an engine.ExecutionRequest to a runner
	MessageTypeRequest MessageType = "REQUEST"
	// MessageTypeCompletion carries an engine.Completion back from a runner
	MessageTypeCompletion MessageType = "COMPLETION"
)

// Validate checks if the message type is known.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeRequest, MessageTypeCompletion:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", t)
	}
}

// Message is the frame every channel payload travels in.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Marshal frames data as a message of the given type.
func Marshal(msgType MessageType, data interface{}) ([]byte, error) {
	if err := msgType.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return out, nil
}

// Unmarshal parses one frame.
func Unmarshal(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// Request decodes a REQUEST frame.
func (m *Message) Request() (*engine.ExecutionRequest, error) {
	if m.Type != MessageTypeRequest {
		return nil, fmt.Errorf("expected %s message, got %s", MessageTypeRequest, m.Type)
	}
	var req engine.ExecutionRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if req.ExecutionID == "" || req.WorkflowName == "" {
		return nil, fmt.Errorf("request requires execution_id and workflow_name")
	}
	return &req, nil
}

// Completion decodes a COMPLETION frame.
func (m *Message) Completion() (*engine.Completion, error) {
	if m.Type != MessageTypeCompletion {
		return nil, fmt.Errorf("expected %s message, got %s", MessageTypeCompletion, m.Type)
	}
	var c engine.Completion
	if err := json.Unmarshal(m.Data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completion: %w", err)
	}
	if c.ExecutionID == "" {
		return nil, fmt.Errorf("completion requires execution_id")
	}
	return &c, nil
}

// Encoder writes newline-delimited frames to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one frame and flushes it.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	frame, err := Marshal(msgType, data)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeRequest writes a REQUEST frame.
func (e *Encoder) EncodeRequest(req *engine.ExecutionRequest) error {
	return e.Encode(MessageTypeRequest, req)
}

// EncodeCompletion writes a COMPLETION frame.
func (e *Encoder) EncodeCompletion(c *engine.Completion) error {
	return e.Encode(MessageTypeCompletion, c)
}

// Decoder reads newline-delimited frames from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Requests carry whole parameter maps.
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads the next frame. It returns io.EOF when the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// NextCompletion reads the next COMPLETION frame, making a Decoder a
// CompletionSource. The context is not consulted while blocked on the reader.
func (d *Decoder) NextCompletion(_ context.Context) (*engine.Completion, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	return msg.Completion()
}
