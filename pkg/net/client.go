package net

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"dynarec/pkg/cpu"
	"dynarec/pkg/jit"
)

// Client talks to a debug server.
type Client struct {
	conn *quic.Conn
}

// Dial connects to addr. A non-nil serverKey pins the server identity.
func Dial(ctx context.Context, addr string, serverKey ed25519.PublicKey) (*Client, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	tlsConfig, err := generateTLSConfig(priv, false, serverKey)
	if err != nil {
		return nil, errors.Wrap(err, "generate TLS config")
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Do sends req on a new stream and waits for the response. A command
// rejected by the server is returned as a *ProtocolError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	var resp Response
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return resp, errors.Wrap(err, "open stream")
	}
	defer stream.CancelRead(0)
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	if err := writeJSON(stream, &req); err != nil {
		return resp, err
	}
	if err := stream.Close(); err != nil {
		return resp, errors.Wrap(err, "close stream")
	}
	if err := readJSON(stream, &resp); err != nil {
		return resp, errors.Wrapf(err, "%s response", req.Command)
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

func (c *Client) Registers(ctx context.Context) (cpu.State, error) {
	resp, err := c.Do(ctx, Request{Command: CmdRegs})
	if err != nil {
		return cpu.State{}, err
	}
	if resp.Registers == nil {
		return cpu.State{}, errors.New("regs response without registers")
	}
	return resp.Registers.State(), nil
}

func (c *Client) ReadMemory(ctx context.Context, addr, size uint32) ([]byte, error) {
	resp, err := c.Do(ctx, Request{Command: CmdRead, Addr: addr, Size: size})
	return resp.Data, err
}

func (c *Client) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	_, err := c.Do(ctx, Request{Command: CmdWrite, Addr: addr, Data: data})
	return err
}

// Break sets a breakpoint and returns all breakpoints.
func (c *Client) Break(ctx context.Context, addr uint32) ([]uint32, error) {
	resp, err := c.Do(ctx, Request{Command: CmdBreak, Addr: addr})
	return resp.Breakpoints, err
}

func (c *Client) Unbreak(ctx context.Context, addr uint32) ([]uint32, error) {
	resp, err := c.Do(ctx, Request{Command: CmdUnbreak, Addr: addr})
	return resp.Breakpoints, err
}

// Step executes one instruction and returns the registers afterwards.
func (c *Client) Step(ctx context.Context) (cpu.State, error) {
	resp, err := c.Do(ctx, Request{Command: CmdStep})
	if err != nil || resp.Registers == nil {
		return cpu.State{}, err
	}
	return resp.Registers.State(), nil
}

func (c *Client) Continue(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Command: CmdContinue})
	return err
}

// Pause stops the guest and returns its registers.
func (c *Client) Pause(ctx context.Context) (cpu.State, error) {
	resp, err := c.Do(ctx, Request{Command: CmdPause})
	if err != nil || resp.Registers == nil {
		return cpu.State{}, err
	}
	return resp.Registers.State(), nil
}

// Paused reports whether the guest is paused.
func (c *Client) Paused(ctx context.Context) (bool, error) {
	resp, err := c.Do(ctx, Request{Command: CmdRegs})
	return resp.Paused, err
}

func (c *Client) Profile(ctx context.Context) ([]jit.BlockProfile, error) {
	resp, err := c.Do(ctx, Request{Command: CmdProfile})
	return resp.Profile, err
}

func (c *Client) ClearCache(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Command: CmdClear})
	return err
}

func (c *Client) Stats(ctx context.Context) (jit.Stats, error) {
	resp, err := c.Do(ctx, Request{Command: CmdStats})
	if err != nil || resp.Stats == nil {
		return jit.Stats{}, err
	}
	return *resp.Stats, nil
}

func (c *Client) SaveState(ctx context.Context, name string) (uuid.UUID, error) {
	resp, err := c.Do(ctx, Request{Command: CmdSaveState, Name: name})
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(resp.ID)
}

func (c *Client) LoadState(ctx context.Context, id uuid.UUID) error {
	_, err := c.Do(ctx, Request{Command: CmdLoadState, ID: id.String()})
	return err
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closed")
}
