package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Message is the generic structure for any data sent between nodes. Frames are
// newline-delimited JSON.
type Message struct {
	Type    byte
	Payload []byte
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// frameSlack allows a trailing "\r\n" on top of the payload limit.
const frameSlack = 2

// readLine reads one newline-terminated frame. It fails with ErrInvalidPayload
// as soon as the frame outgrows maxBytes, so a peer that never sends a newline
// cannot make us buffer more than the limit. A non-positive maxBytes disables
// the bound.
func readLine(reader *bufio.Reader, maxBytes int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		if maxBytes > 0 && len(line)+len(chunk) > maxBytes+frameSlack {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidPayload, maxBytes)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
		default:
			return nil, err
		}
	}
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := readLine(reader, maxBytes)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

func readMessage(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) (*Message, error) {
	raw, err := readFrame(ctx, conn, reader, maxBytes)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidPayload)
	}
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidPayload, maxBytes)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrInvalidPayload, err)
	}
	return &msg, nil
}
