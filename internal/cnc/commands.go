package cnc

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies a CnC ring message. Client-to-driver types are
// carried on ToDriver; driver-to-client types are carried on ToClients.
// Named per spec.md §6.
type MessageType uint16

const (
	MessageAddPublication MessageType = iota + 1
	MessageRemovePublication
	MessageAddSubscription
	MessageRemoveSubscription
	MessageClientKeepalive

	MessageOnNewPublication MessageType = iota + 100
	MessageOnNewImage
	MessageOperationSuccess
	MessageErrorResponse
)

// Every message begins with a 2-byte type and an 8-byte correlation id.
const envelopeLength = 2 + 8

// EncodeType peeks at a ring message's type without fully decoding it.
func EncodeType(buf []byte) MessageType { return MessageType(binary.LittleEndian.Uint16(buf)) }

func putEnvelope(buf []byte, t MessageType, correlationID int64) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(t))
	binary.LittleEndian.PutUint64(buf[2:10], uint64(correlationID))
}

func getEnvelope(buf []byte) (MessageType, int64, error) {
	if len(buf) < envelopeLength {
		return 0, 0, fmt.Errorf("cnc: message too short (%d bytes)", len(buf))
	}
	return MessageType(binary.LittleEndian.Uint16(buf[0:2])), int64(binary.LittleEndian.Uint64(buf[2:10])), nil
}

func putString(buf []byte, s string) []byte {
	binary.LittleEndian.PutUint16(buf, uint16(len(s)))
	buf = buf[2:]
	n := copy(buf, s)
	return buf[n:]
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("cnc: truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("cnc: truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

// AddPublicationCommand is sent by a client to create a publication.
type AddPublicationCommand struct {
	CorrelationID int64
	ClientID      int64
	StreamID      int32
	Channel       string
}

// EncodeAddPublication serializes cmd as a ring message.
func EncodeAddPublication(cmd AddPublicationCommand) []byte {
	buf := make([]byte, envelopeLength+8+4+2+len(cmd.Channel))
	putEnvelope(buf, MessageAddPublication, cmd.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint64(rest[0:8], uint64(cmd.ClientID))
	binary.LittleEndian.PutUint32(rest[8:12], uint32(cmd.StreamID))
	putString(rest[12:], cmd.Channel)
	return buf
}

// DecodeAddPublication parses a ring message previously written by
// EncodeAddPublication.
func DecodeAddPublication(buf []byte) (AddPublicationCommand, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return AddPublicationCommand{}, err
	}
	if t != MessageAddPublication {
		return AddPublicationCommand{}, fmt.Errorf("cnc: expected AddPublication, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 12 {
		return AddPublicationCommand{}, fmt.Errorf("cnc: truncated AddPublication")
	}
	clientID := int64(binary.LittleEndian.Uint64(rest[0:8]))
	streamID := int32(binary.LittleEndian.Uint32(rest[8:12]))
	channel, _, err := getString(rest[12:])
	if err != nil {
		return AddPublicationCommand{}, err
	}
	return AddPublicationCommand{CorrelationID: corr, ClientID: clientID, StreamID: streamID, Channel: channel}, nil
}

// RemovePublicationCommand removes a publication by the (channel, streamId,
// sessionId) triple the client originally added, matching the wire shape of
// the real client-driver protocol's REMOVE_PUBLICATION command rather than
// an opaque registration id, so the conductor can distinguish a channel that
// was never added from a channel whose session or stream doesn't match.
type RemovePublicationCommand struct {
	CorrelationID int64
	SessionID     int32
	StreamID      int32
	Channel       string
}

func EncodeRemovePublication(cmd RemovePublicationCommand) []byte {
	buf := make([]byte, envelopeLength+4+4+2+len(cmd.Channel))
	putEnvelope(buf, MessageRemovePublication, cmd.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint32(rest[0:4], uint32(cmd.SessionID))
	binary.LittleEndian.PutUint32(rest[4:8], uint32(cmd.StreamID))
	putString(rest[8:], cmd.Channel)
	return buf
}

func DecodeRemovePublication(buf []byte) (RemovePublicationCommand, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return RemovePublicationCommand{}, err
	}
	if t != MessageRemovePublication {
		return RemovePublicationCommand{}, fmt.Errorf("cnc: expected RemovePublication, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 8 {
		return RemovePublicationCommand{}, fmt.Errorf("cnc: truncated RemovePublication")
	}
	sessionID := int32(binary.LittleEndian.Uint32(rest[0:4]))
	streamID := int32(binary.LittleEndian.Uint32(rest[4:8]))
	channel, _, err := getString(rest[8:])
	if err != nil {
		return RemovePublicationCommand{}, err
	}
	return RemovePublicationCommand{CorrelationID: corr, SessionID: sessionID, StreamID: streamID, Channel: channel}, nil
}

// AddSubscriptionCommand is sent by a client to create a subscription.
type AddSubscriptionCommand struct {
	CorrelationID int64
	ClientID      int64
	StreamID      int32
	Channel       string
}

func EncodeAddSubscription(cmd AddSubscriptionCommand) []byte {
	buf := make([]byte, envelopeLength+8+4+2+len(cmd.Channel))
	putEnvelope(buf, MessageAddSubscription, cmd.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint64(rest[0:8], uint64(cmd.ClientID))
	binary.LittleEndian.PutUint32(rest[8:12], uint32(cmd.StreamID))
	putString(rest[12:], cmd.Channel)
	return buf
}

func DecodeAddSubscription(buf []byte) (AddSubscriptionCommand, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return AddSubscriptionCommand{}, err
	}
	if t != MessageAddSubscription {
		return AddSubscriptionCommand{}, fmt.Errorf("cnc: expected AddSubscription, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 12 {
		return AddSubscriptionCommand{}, fmt.Errorf("cnc: truncated AddSubscription")
	}
	clientID := int64(binary.LittleEndian.Uint64(rest[0:8]))
	streamID := int32(binary.LittleEndian.Uint32(rest[8:12]))
	channel, _, err := getString(rest[12:])
	if err != nil {
		return AddSubscriptionCommand{}, err
	}
	return AddSubscriptionCommand{CorrelationID: corr, ClientID: clientID, StreamID: streamID, Channel: channel}, nil
}

// RemoveSubscriptionCommand removes a subscription by the (channel,
// streamId) pair the client originally added, so the conductor can
// distinguish a channel that was never subscribed from a channel whose
// stream doesn't match, matching RemovePublicationCommand's channel-first
// lookup.
type RemoveSubscriptionCommand struct {
	CorrelationID int64
	StreamID      int32
	Channel       string
}

func EncodeRemoveSubscription(cmd RemoveSubscriptionCommand) []byte {
	buf := make([]byte, envelopeLength+4+2+len(cmd.Channel))
	putEnvelope(buf, MessageRemoveSubscription, cmd.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint32(rest[0:4], uint32(cmd.StreamID))
	putString(rest[4:], cmd.Channel)
	return buf
}

func DecodeRemoveSubscription(buf []byte) (RemoveSubscriptionCommand, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return RemoveSubscriptionCommand{}, err
	}
	if t != MessageRemoveSubscription {
		return RemoveSubscriptionCommand{}, fmt.Errorf("cnc: expected RemoveSubscription, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 4 {
		return RemoveSubscriptionCommand{}, fmt.Errorf("cnc: truncated RemoveSubscription")
	}
	streamID := int32(binary.LittleEndian.Uint32(rest[0:4]))
	channel, _, err := getString(rest[4:])
	if err != nil {
		return RemoveSubscriptionCommand{}, err
	}
	return RemoveSubscriptionCommand{CorrelationID: corr, StreamID: streamID, Channel: channel}, nil
}

// ClientKeepaliveCommand refreshes a client's liveness deadline.
type ClientKeepaliveCommand struct {
	ClientID int64
}

func EncodeClientKeepalive(cmd ClientKeepaliveCommand) []byte {
	buf := make([]byte, envelopeLength+8)
	putEnvelope(buf, MessageClientKeepalive, 0)
	binary.LittleEndian.PutUint64(buf[envelopeLength:], uint64(cmd.ClientID))
	return buf
}

func DecodeClientKeepalive(buf []byte) (ClientKeepaliveCommand, error) {
	t, _, err := getEnvelope(buf)
	if err != nil {
		return ClientKeepaliveCommand{}, err
	}
	if t != MessageClientKeepalive {
		return ClientKeepaliveCommand{}, fmt.Errorf("cnc: expected ClientKeepalive, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 8 {
		return ClientKeepaliveCommand{}, fmt.Errorf("cnc: truncated ClientKeepalive")
	}
	return ClientKeepaliveCommand{ClientID: int64(binary.LittleEndian.Uint64(rest))}, nil
}

// OnNewPublicationMessage notifies a client that its ADD_PUBLICATION
// succeeded, carrying its registration id; REMOVE_PUBLICATION identifies
// the publication by channel, session id and stream id instead.
type OnNewPublicationMessage struct {
	CorrelationID  int64
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	LogFileName    string
}

func EncodeOnNewPublication(m OnNewPublicationMessage) []byte {
	buf := make([]byte, envelopeLength+8+4+4+2+len(m.LogFileName))
	putEnvelope(buf, MessageOnNewPublication, m.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint64(rest[0:8], uint64(m.RegistrationID))
	binary.LittleEndian.PutUint32(rest[8:12], uint32(m.SessionID))
	binary.LittleEndian.PutUint32(rest[12:16], uint32(m.StreamID))
	putString(rest[16:], m.LogFileName)
	return buf
}

func DecodeOnNewPublication(buf []byte) (OnNewPublicationMessage, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return OnNewPublicationMessage{}, err
	}
	if t != MessageOnNewPublication {
		return OnNewPublicationMessage{}, fmt.Errorf("cnc: expected OnNewPublication, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 16 {
		return OnNewPublicationMessage{}, fmt.Errorf("cnc: truncated OnNewPublication")
	}
	registrationID := int64(binary.LittleEndian.Uint64(rest[0:8]))
	sessionID := int32(binary.LittleEndian.Uint32(rest[8:12]))
	streamID := int32(binary.LittleEndian.Uint32(rest[12:16]))
	logFileName, _, err := getString(rest[16:])
	if err != nil {
		return OnNewPublicationMessage{}, err
	}
	return OnNewPublicationMessage{
		CorrelationID: corr, RegistrationID: registrationID,
		SessionID: sessionID, StreamID: streamID, LogFileName: logFileName,
	}, nil
}

// OnNewImageMessage notifies a client that a new publication image has
// appeared for one of its subscriptions.
type OnNewImageMessage struct {
	CorrelationID  int64
	SessionID      int32
	StreamID       int32
	InitialTermID  int32
	LogFileName    string
	SourceIdentity string
}

func EncodeOnNewImage(m OnNewImageMessage) []byte {
	buf := make([]byte, envelopeLength+4+4+4+2+len(m.LogFileName)+2+len(m.SourceIdentity))
	putEnvelope(buf, MessageOnNewImage, m.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint32(rest[0:4], uint32(m.SessionID))
	binary.LittleEndian.PutUint32(rest[4:8], uint32(m.StreamID))
	binary.LittleEndian.PutUint32(rest[8:12], uint32(m.InitialTermID))
	rest = putString(rest[12:], m.LogFileName)
	putString(rest, m.SourceIdentity)
	return buf
}

func DecodeOnNewImage(buf []byte) (OnNewImageMessage, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return OnNewImageMessage{}, err
	}
	if t != MessageOnNewImage {
		return OnNewImageMessage{}, fmt.Errorf("cnc: expected OnNewImage, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 12 {
		return OnNewImageMessage{}, fmt.Errorf("cnc: truncated OnNewImage")
	}
	sessionID := int32(binary.LittleEndian.Uint32(rest[0:4]))
	streamID := int32(binary.LittleEndian.Uint32(rest[4:8]))
	initialTermID := int32(binary.LittleEndian.Uint32(rest[8:12]))
	logFileName, rest2, err := getString(rest[12:])
	if err != nil {
		return OnNewImageMessage{}, err
	}
	sourceIdentity, _, err := getString(rest2)
	if err != nil {
		return OnNewImageMessage{}, err
	}
	return OnNewImageMessage{
		CorrelationID: corr, SessionID: sessionID, StreamID: streamID,
		InitialTermID: initialTermID, LogFileName: logFileName, SourceIdentity: sourceIdentity,
	}, nil
}

// OperationSuccessMessage acknowledges a command that needed no other
// reply payload (e.g. REMOVE_PUBLICATION, REMOVE_SUBSCRIPTION).
type OperationSuccessMessage struct {
	CorrelationID int64
}

func EncodeOperationSuccess(m OperationSuccessMessage) []byte {
	buf := make([]byte, envelopeLength)
	putEnvelope(buf, MessageOperationSuccess, m.CorrelationID)
	return buf
}

func DecodeOperationSuccess(buf []byte) (OperationSuccessMessage, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return OperationSuccessMessage{}, err
	}
	if t != MessageOperationSuccess {
		return OperationSuccessMessage{}, fmt.Errorf("cnc: expected OperationSuccess, got %d", t)
	}
	return OperationSuccessMessage{CorrelationID: corr}, nil
}

// ErrorResponseMessage reports one of the client-facing ErrorCode values
// for the offending correlation id, per spec.md §7.
type ErrorResponseMessage struct {
	CorrelationID int64
	Code          ErrorCode
	Message       string
}

func EncodeErrorResponse(m ErrorResponseMessage) []byte {
	buf := make([]byte, envelopeLength+2+2+len(m.Message))
	putEnvelope(buf, MessageErrorResponse, m.CorrelationID)
	rest := buf[envelopeLength:]
	binary.LittleEndian.PutUint16(rest[0:2], uint16(m.Code))
	putString(rest[2:], m.Message)
	return buf
}

func DecodeErrorResponse(buf []byte) (ErrorResponseMessage, error) {
	t, corr, err := getEnvelope(buf)
	if err != nil {
		return ErrorResponseMessage{}, err
	}
	if t != MessageErrorResponse {
		return ErrorResponseMessage{}, fmt.Errorf("cnc: expected ErrorResponse, got %d", t)
	}
	rest := buf[envelopeLength:]
	if len(rest) < 2 {
		return ErrorResponseMessage{}, fmt.Errorf("cnc: truncated ErrorResponse")
	}
	code := ErrorCode(binary.LittleEndian.Uint16(rest[0:2]))
	message, _, err := getString(rest[2:])
	if err != nil {
		return ErrorResponseMessage{}, err
	}
	return ErrorResponseMessage{CorrelationID: corr, Code: code, Message: message}, nil
}
