package main

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame is one data channel message between two peers.
type Frame struct {
	Type   string `msgpack:"type"`
	Text   string `msgpack:"text,omitempty"`
	SentAt int64  `msgpack:"sentAt"`
}

const (
	frameText = "text"
	frameBye  = "bye"
)

func newFrame(typ, text string) Frame {
	return Frame{Type: typ, Text: text, SentAt: time.Now().UnixMilli()}
}

func encodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(data, &f)
	return f, err
}
