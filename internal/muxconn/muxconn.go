// Package muxconn adapts a net.Conn-shaped local connection onto an
// iomixer slave channel, and carries the tiny control protocol client and
// server use to agree on which channel id belongs to which accepted
// connection - iomixer itself is deliberately ignorant of "connections",
// so this bookkeeping lives at the application layer, same as the original
// kcptun lived entirely at the layer above smux.Session.OpenStream.
package muxconn

import (
	"encoding/json"
	"io"
)

// ControlChannel is a well-known channel both ends register at startup,
// before any data channel exists, to exchange OpenRequest records.
const ControlChannel = 1

// OpenRequest announces that the sender has just auto-allocated a new
// iomixer channel for a freshly accepted local connection; the receiver is
// expected to AddSlave(ID) with the same explicit id so both ends agree on
// channel numbering, then dial its own configured target.
type OpenRequest struct {
	ID int32 `json:"id"`
}

// WriteOpenRequest serializes req as a single newline-delimited JSON record.
func WriteOpenRequest(w io.Writer, req OpenRequest) error {
	return json.NewEncoder(w).Encode(req)
}

// ReadOpenRequest blocks for the next OpenRequest on r. It reads r one byte
// at a time up to the record's newline, so bytes of later records are left
// unread for the next call.
func ReadOpenRequest(r io.Reader) (OpenRequest, error) {
	var req OpenRequest
	var line []byte
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return req, err
		}
	}
	err := json.Unmarshal(line, &req)
	return req, err
}

// Pipe joins an iomixer channel's caller-facing write/read pipe ends into a
// single io.ReadWriteCloser, the shape std.Pipe and std.NewQPPPort expect.
type Pipe struct {
	W io.WriteCloser
	R io.ReadCloser
}

func (p Pipe) Read(b []byte) (int, error)  { return p.R.Read(b) }
func (p Pipe) Write(b []byte) (int, error) { return p.W.Write(b) }

// Close closes both ends; the first error encountered is returned, but both
// Close calls are always attempted.
func (p Pipe) Close() error {
	errW := p.W.Close()
	errR := p.R.Close()
	if errW != nil {
		return errW
	}
	return errR
}
