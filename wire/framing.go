package wire

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/internal/bin"
)

// ErrTruncatedFrame indicates the stream ended mid-frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// ErrUnknownKind indicates a frame carried a kind byte this build does not
// recognize.
var ErrUnknownKind = errors.New("wire: unknown frame kind")

// frameHeaderLen is len(kind) + len(length).
const frameHeaderLen = 1 + 4

// WriteFrame encodes kind+body as a [kind:1][length:4 BE][body] frame.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = byte(kind)
	bin.PutU32BE(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one frame, rejecting frames whose declared length exceeds
// maxLen (a maxLen <= 0 means unbounded). The body is not allocated until
// the length has been checked against maxLen.
func ReadFrame(r io.Reader, maxLen int) (Kind, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeProtocolError, "truncated frame header", ErrTruncatedFrame)
		}
		return 0, nil, err
	}
	kind := Kind(hdr[0])
	n := int(bin.U32BE(hdr[1:]))
	if maxLen > 0 && n > maxLen {
		return 0, nil, grainerrors.New(grainerrors.StageCodec, grainerrors.CodeMessageTooLarge, "frame exceeds max_frame_bytes")
	}
	if !validKind(kind) {
		// Still must consume the body to keep the stream framed, but we
		// refuse to allocate an attacker-controlled buffer beyond maxLen
		// (already checked above) before reporting the error.
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return 0, nil, grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeProtocolError, "truncated frame body", ErrTruncatedFrame)
		}
		return 0, nil, grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeProtocolError, "unknown frame kind", ErrUnknownKind)
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeProtocolError, "truncated frame body", ErrTruncatedFrame)
		}
	}
	return kind, body, nil
}

func validKind(k Kind) bool {
	return k >= KindHandshake && k <= KindDisconnect
}

// Encode marshals msg as JSON and frames it with kind.
func Encode(w io.Writer, kind Kind, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, kind, b)
}

// DecodeHandshake unmarshals a Handshake body.
func DecodeHandshake(body []byte) (Handshake, error) {
	var m Handshake
	err := json.Unmarshal(body, &m)
	return m, err
}

// DecodeHandshakeAck unmarshals a HandshakeAck body.
func DecodeHandshakeAck(body []byte) (HandshakeAck, error) {
	var m HandshakeAck
	err := json.Unmarshal(body, &m)
	return m, err
}

// DecodeRequest unmarshals a Request body.
func DecodeRequest(body []byte) (Request, error) {
	var m Request
	err := json.Unmarshal(body, &m)
	return m, err
}

// DecodeResponse unmarshals a Response body.
func DecodeResponse(body []byte) (Response, error) {
	var m Response
	err := json.Unmarshal(body, &m)
	return m, err
}

// DecodeHeartbeat unmarshals a Heartbeat body.
func DecodeHeartbeat(body []byte) (Heartbeat, error) {
	var m Heartbeat
	err := json.Unmarshal(body, &m)
	return m, err
}

// DecodeDisconnect unmarshals a Disconnect body.
func DecodeDisconnect(body []byte) (Disconnect, error) {
	var m Disconnect
	err := json.Unmarshal(body, &m)
	return m, err
}
