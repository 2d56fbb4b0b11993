// Package walproto implements the downstream (standby-facing) half of the
// PostgreSQL v3 wire protocol: startup negotiation and the typed message
// codec used once a session has moved past authentication.
package walproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const (
	// ProtocolVersion is the PostgreSQL frontend/backend protocol version
	// advertised by a normal StartupMessage (3.0).
	ProtocolVersion = 196608

	// sslRequestCode and cancelRequestCode are sent in place of a protocol
	// version in the first 4 bytes of a startup packet's body.
	sslRequestCode    = 0x04D2162F
	gssEncRequestCode = 0x04D21630
	cancelRequestCode = 0x04D2162E

	maxStartupPacketLen = 10000
)

// StartupPacket is a parsed, non-SSL, non-cancel startup message: the
// client's requested protocol version plus its name/value parameter pairs.
type StartupPacket struct {
	ProtocolVersion uint32
	Parameters      map[string]string
}

// CancelRequest is a parsed cancellation request. walbouncer has no
// queries to cancel; any session receiving one is simply terminated.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

// ReadStartupPacket reads one length-prefixed startup packet from r. SSL and
// GSS encryption requests are declined in place (a single 'N' byte written
// to w) and the read is retried, matching the original proxy's refusal to
// negotiate encryption. A CancelRequest is returned as such rather than as
// a StartupPacket; the caller must terminate the connection.
func ReadStartupPacket(r io.Reader, w io.Writer) (*StartupPacket, *CancelRequest, error) {
	for {
		body, err := readLengthPrefixed(r, maxStartupPacketLen)
		if err != nil {
			return nil, nil, fmt.Errorf("walproto: read startup packet: %w", err)
		}
		if len(body) < 4 {
			return nil, nil, fmt.Errorf("walproto: startup packet too short (%d bytes)", len(body))
		}

		code := binary.BigEndian.Uint32(body[:4])
		switch code {
		case sslRequestCode, gssEncRequestCode:
			if _, err := w.Write([]byte{'N'}); err != nil {
				return nil, nil, fmt.Errorf("walproto: decline ssl: %w", err)
			}
			continue
		case cancelRequestCode:
			if len(body) != 16 {
				return nil, nil, fmt.Errorf("walproto: malformed cancel request (%d bytes)", len(body))
			}
			return nil, &CancelRequest{
				ProcessID: binary.BigEndian.Uint32(body[8:12]),
				SecretKey: binary.BigEndian.Uint32(body[12:16]),
			}, nil
		}

		params, err := parseStartupParameters(body[4:])
		if err != nil {
			return nil, nil, err
		}
		return &StartupPacket{ProtocolVersion: code, Parameters: params}, nil, nil
	}
}

// parseStartupParameters decodes the null-terminated name/value pairs that
// follow the protocol version, ending with a single trailing zero byte.
func parseStartupParameters(body []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(body) > 0 {
		if body[0] == 0 {
			return params, nil
		}
		name, rest, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("walproto: startup parameter name: %w", err)
		}
		value, rest2, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("walproto: startup parameter value for %q: %w", name, err)
		}
		params[name] = value
		body = rest2
	}
	return nil, fmt.Errorf("walproto: startup packet missing trailing terminator")
}

func readCString(body []byte) (string, []byte, error) {
	for i, b := range body {
		if b == 0 {
			return string(body[:i]), body[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("unterminated string")
}

func readLengthPrefixed(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 4 || int(n)-4 > max {
		return nil, fmt.Errorf("invalid message length %d", n)
	}
	body := make([]byte, n-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReplicationRequested reports whether the startup "replication" parameter
// asks for the physical-replication protocol. Unlike the original proxy's
// permissive check (which treats nearly every value as truthy due to a
// malformed boolean comparison), walbouncer rejects the explicit false
// values off/no/0/false (case-insensitively) and accepts every other
// value, which includes true, on, yes, 1 and database.
func ReplicationRequested(params map[string]string) bool {
	v, ok := params["replication"]
	if !ok {
		return false
	}
	switch strings.ToLower(v) {
	case "off", "no", "0", "false":
		return false
	default:
		return true
	}
}
