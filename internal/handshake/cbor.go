package handshake

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/najahiiii/tunnel-client/internal/model"
)

const (
	cborVersion  = 1
	maxCBORFrame = 64 << 10
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("handshake: cbor encoder: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("handshake: cbor decoder: %v", err))
	}
}

type cborAuthRequest struct {
	Version   int    `cbor:"v"`
	User      string `cbor:"user"`
	Pass      string `cbor:"pass"`
	Timestamp int64  `cbor:"ts"`
}

type cborAuthResponse struct {
	OK      bool   `cbor:"ok"`
	Reason  string `cbor:"reason,omitempty"`
	Session string `cbor:"session,omitempty"`
}

// cborCodec exchanges one length-prefixed CBOR frame in each direction.
// The prefix is a 4 byte big-endian payload length.
type cborCodec struct {
	opts Options
}

func (c *cborCodec) Authenticate(ctx context.Context, conn net.Conn, creds model.Credentials) (*Session, error) {
	payload, err := cborEnc.Marshal(cborAuthRequest{
		Version:   cborVersion,
		User:      creds.Username,
		Pass:      creds.Password,
		Timestamp: c.opts.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}

	x := begin(ctx, conn, c.opts)
	defer x.end()

	if err := writeFrame(conn, payload); err != nil {
		return nil, x.writeErr(err)
	}

	frame, err := readFrame(conn)
	if err != nil {
		return nil, x.readErr(err)
	}
	if err := x.arrived(); err != nil {
		return nil, err
	}

	var resp cborAuthResponse
	if err := cborDec.Unmarshal(frame, &resp); err != nil {
		return nil, &AuthError{Kind: Malformed, Reason: "undecodable response"}
	}
	if !resp.OK {
		return nil, &AuthError{Kind: Rejected, Reason: scrub(resp.Reason, creds.Password)}
	}
	return &Session{
		ID:              uuid.NewString(),
		ServerSessionID: resp.Session,
		Protocol:        "cbor",
		Conn:            conn,
		NegotiatedAt:    c.opts.now().UTC(),
	}, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxCBORFrame {
		return nil, &AuthError{Kind: Malformed, Reason: fmt.Sprintf("frame length %d out of range", n)}
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
