package net

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/encoding/json"

	"dynarec/pkg/cpu"
	"dynarec/pkg/jit"
)

// maxMessageSize bounds a single framed message.
const maxMessageSize = 64 << 20

// SendMessage writes data prefixed with its size as a little-endian uint32.
func SendMessage(stream io.Writer, data []byte) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := stream.Write(size[:]); err != nil {
		return errors.Wrap(err, "write message size")
	}
	if _, err := stream.Write(data); err != nil {
		return errors.Wrap(err, "write message content")
	}
	return nil
}

// ReadMessage reads one message written by SendMessage.
func ReadMessage(stream io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(stream, size[:]); err != nil {
		return nil, errors.Wrap(err, "read message size")
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > maxMessageSize {
		return nil, &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf("message of %d bytes exceeds %d", n, maxMessageSize)}
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, errors.Wrap(err, "read message content")
	}
	return data, nil
}

// Command names a debug request.
type Command string

const (
	CmdRegs      Command = "regs"
	CmdRead      Command = "read"
	CmdWrite     Command = "write"
	CmdBreak     Command = "break"
	CmdUnbreak   Command = "unbreak"
	CmdStep      Command = "step"
	CmdContinue  Command = "continue"
	CmdPause     Command = "pause"
	CmdProfile   Command = "profile"
	CmdClear     Command = "clear"
	CmdStats     Command = "stats"
	CmdSaveState Command = "savestate"
	CmdLoadState Command = "loadstate"
)

// Request is one debug command. Each request travels on its own stream.
type Request struct {
	Command Command `json:"command"`
	Addr    uint32  `json:"addr,omitempty"`
	Size    uint32  `json:"size,omitempty"`
	Data    []byte  `json:"data,omitempty"`
	// Name labels savestates and saved profiles.
	Name string `json:"name,omitempty"`
	// ID selects a savestate.
	ID string `json:"id,omitempty"`
}

// Response answers a Request. Error is set when the command failed.
type Response struct {
	Error       *ProtocolError     `json:"error,omitempty"`
	Paused      bool               `json:"paused"`
	Registers   *Registers         `json:"registers,omitempty"`
	Data        []byte             `json:"data,omitempty"`
	Breakpoints []uint32           `json:"breakpoints,omitempty"`
	Profile     []jit.BlockProfile `json:"profile,omitempty"`
	Stats       *jit.Stats         `json:"stats,omitempty"`
	ID          string             `json:"id,omitempty"`
}

// Registers carries the guest register file. Floats travel as raw bits.
type Registers struct {
	Slots [cpu.NumSlots]uint32 `json:"slots"`
	FPR   [cpu.NumFPRs]uint64  `json:"fpr"`
}

func registersFrom(s *cpu.State) *Registers {
	r := &Registers{Slots: s.Regs}
	for i, f := range s.FPR {
		r.FPR[i] = math.Float64bits(f)
	}
	return r
}

// State converts the registers back into a CPU state.
func (r *Registers) State() cpu.State {
	var s cpu.State
	s.Regs = r.Slots
	for i, bits := range r.FPR {
		s.FPR[i] = math.Float64frombits(bits)
	}
	return s
}

// Protocol error codes.
const (
	CodeBadRequest = iota + 1
	CodeUnknownCommand
	CodeFailed
	CodeUnavailable
)

// ProtocolError is an error reported by the remote side.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("debug protocol error %d: %s", e.Code, e.Message)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return SendMessage(w, data)
}

func readJSON(r io.Reader, v any) error {
	data, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Code: CodeBadRequest, Message: err.Error()}
	}
	return nil
}
