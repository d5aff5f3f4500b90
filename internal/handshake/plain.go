package handshake

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/najahiiii/tunnel-client/internal/model"
)

const maxPlainLine = 512

// plainCodec speaks the line protocol:
//
//	client: username:password\n
//	server: OK [session-id]\n | ERR <reason>\n | DENIED <reason>\n
type plainCodec struct {
	opts Options
}

func (c *plainCodec) Authenticate(ctx context.Context, conn net.Conn, creds model.Credentials) (*Session, error) {
	if strings.ContainsAny(creds.Username, ":\r\n") || strings.ContainsAny(creds.Password, "\r\n") {
		return nil, &AuthError{Kind: Rejected, Reason: "credentials contain reserved characters"}
	}

	x := begin(ctx, conn, c.opts)
	defer x.end()

	if _, err := conn.Write([]byte(creds.Username + ":" + creds.Password + "\n")); err != nil {
		return nil, x.writeErr(err)
	}

	line, err := readLine(conn)
	if err != nil {
		return nil, x.readErr(err)
	}
	if err := x.arrived(); err != nil {
		return nil, err
	}

	verb, rest, _ := strings.Cut(strings.TrimRight(line, "\r"), " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToUpper(verb) {
	case "OK":
		return &Session{
			ID:              uuid.NewString(),
			ServerSessionID: rest,
			Protocol:        "plain",
			Conn:            conn,
			NegotiatedAt:    c.opts.now().UTC(),
		}, nil
	case "ERR", "DENIED":
		return nil, &AuthError{Kind: Rejected, Reason: scrub(rest, creds.Password)}
	default:
		return nil, &AuthError{Kind: Malformed, Reason: fmt.Sprintf("unexpected response %q", clip(scrub(line, creds.Password), 32))}
	}
}

// readLine reads byte by byte so nothing past the newline is consumed from
// the stream that follows the handshake.
func readLine(conn net.Conn) (string, error) {
	buf := make([]byte, 0, 64)
	one := make([]byte, 1)
	for len(buf) < maxPlainLine {
		n, err := conn.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				return string(buf), nil
			}
			buf = append(buf, one[0])
			continue
		}
		if err != nil {
			return "", err
		}
	}
	return "", &AuthError{Kind: Malformed, Reason: "response line too long"}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
