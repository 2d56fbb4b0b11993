package walproto

import (
	"strconv"

	"github.com/jackc/pgx/v5/pgproto3"
)

// SendAuthenticationOK tells the standby authentication succeeded.
// walbouncer performs no credential check; see the frontend session's
// startup handling for the trust-mode rationale.
func (c *Codec) SendAuthenticationOK() error {
	return c.Send(&pgproto3.AuthenticationOk{})
}

// SendParameterStatus forwards one GUC value, verbatim, to the standby.
func (c *Codec) SendParameterStatus(name, value string) error {
	return c.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
}

// SendBackendKeyData sends a zero pid/key pair: walbouncer has no real
// backend process for the standby to issue a CancelRequest against.
func (c *Codec) SendBackendKeyData() error {
	return c.Send(&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0})
}

// SendReadyForQuery advertises the idle transaction status; walbouncer
// never opens a transaction on the standby's behalf.
func (c *Codec) SendReadyForQuery() error {
	return c.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

// SendCopyBothResponse begins the bidirectional WAL streaming sub-protocol
// with zero columns, matching the original ('W', 0, 0) envelope.
func (c *Codec) SendCopyBothResponse() error {
	return c.Send(&pgproto3.CopyBothResponse{OverallFormat: 0})
}

// SendIdentifySystemResult emits the RowDescription+DataRow pair answering
// IDENTIFY_SYSTEM: systemid and xlogpos as text, timeline as int4, dbname
// as SQL NULL (walbouncer is not connected to any particular database).
func (c *Codec) SendIdentifySystemResult(sysID string, timeline int32, xlogpos string) error {
	rd := &pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: "systemid", DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: 0xFFFFFFFF, Format: 0},
		{Name: "timeline", DataTypeOID: int4OID, DataTypeSize: 4, TypeModifier: 0xFFFFFFFF, Format: 0},
		{Name: "xlogpos", DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: 0xFFFFFFFF, Format: 0},
		{Name: "dbname", DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: 0xFFFFFFFF, Format: 0},
	}}
	if err := c.Send(rd); err != nil {
		return err
	}

	row := &pgproto3.DataRow{Values: [][]byte{
		[]byte(sysID),
		encodeInt4Text(timeline),
		[]byte(xlogpos),
		nil,
	}}
	return c.Send(row)
}

// SendCommandComplete finishes a simple-query command with the given tag.
func (c *Codec) SendCommandComplete(tag string) error {
	return c.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendError reports a fatal or command-scoped error to the standby.
func (c *Codec) SendError(severity, code, message string) error {
	return c.Send(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// SendCopyDone acknowledges the end of the streaming sub-protocol.
func (c *Codec) SendCopyDone() error {
	return c.Send(&pgproto3.CopyDone{})
}

// SendCopyData wraps an already-framed WAL sub-message ('w' or 'k') in the
// CopyData envelope.
func (c *Codec) SendCopyData(payload []byte) error {
	return c.Send(&pgproto3.CopyData{Data: payload})
}

const (
	textOID = 25
	int4OID = 23
)

func encodeInt4Text(v int32) []byte {
	return []byte(strconv.FormatInt(int64(v), 10))
}
