package foyer

// Client wire codec.
//
// Frame format: [4-byte big-endian payload length][1-byte tag][payload]
// Payload length covers the tag byte plus the encoded bytes.
//
// A TagClientMessage payload is the binary-encoded message fields followed
// by a typed body. Common body types (string, int, bytes, ...) are encoded
// directly to avoid reflection; unknown types fall back to gob.
//
// A TagClientBatch payload packs N sub-messages:
//
//	[2-byte count]
//	  [4-byte sub-payload-len][sub-payload-bytes]  × count

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"net"
)

const (
	TagClientMessage byte = 1
	TagClientBatch   byte = 0x10
)

// Body type tags for the wire encoding of interface{} fields.
const (
	bodyNil     byte = 0
	bodyString  byte = 1
	bodyInt     byte = 2
	bodyInt64   byte = 3
	bodyFloat64 byte = 4
	bodyBool    byte = 5
	bodyBytes   byte = 6
	bodyGob     byte = 7
)

// maxFramePayload is the upper bound on a single frame's payload.
// Frames larger than this are rejected on read.
const maxFramePayload = 16 << 20 // 16 MB

func init() {
	// Register basic types for the gob fallback path used when Body
	// contains types not handled by the native binary codec.
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(map[string]interface{}{})
}

// RegisterGobType registers a user-defined type so it can be transmitted
// as a Body value via the gob fallback path. Must be called before sending
// messages containing this type.
func RegisterGobType(value interface{}) {
	gob.Register(value)
}

// wireSerializer is the default Serializer: the frame codec above.
type wireSerializer struct{}

func newWireSerializer() *wireSerializer {
	return &wireSerializer{}
}

func (ws *wireSerializer) Serialize(msg *Message) (net.Buffers, error) {
	var payload bytes.Buffer
	if err := encodeMessagePayload(&payload, msg); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 5+payload.Len())
	frame = binary.BigEndian.AppendUint32(frame, uint32(1+payload.Len()))
	frame = append(frame, TagClientMessage)
	frame = append(frame, payload.Bytes()...)
	return net.Buffers{frame}, nil
}

func (ws *wireSerializer) SerializeBatch(msgs []*Message) (net.Buffers, []error) {
	var errs []error
	var payloads [][]byte
	for i, msg := range msgs {
		var payload bytes.Buffer
		if err := encodeMessagePayload(&payload, msg); err != nil {
			if errs == nil {
				errs = make([]error, len(msgs))
			}
			errs[i] = err
			continue
		}
		payloads = append(payloads, payload.Bytes())
	}
	if len(payloads) == 0 {
		return nil, errs
	}

	var body bytes.Buffer
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(payloads)))
	body.Write(tmp[:2])
	for _, p := range payloads {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(p)))
		body.Write(tmp[:])
		body.Write(p)
	}

	frame := make([]byte, 0, 5+body.Len())
	frame = binary.BigEndian.AppendUint32(frame, uint32(1+body.Len()))
	frame = append(frame, TagClientBatch)
	frame = append(frame, body.Bytes()...)
	return net.Buffers{frame}, errs
}

// --- encode ---

func encodeMessagePayload(buf *bytes.Buffer, msg *Message) error {
	buf.WriteByte(byte(msg.Direction))
	putI64(buf, msg.ID)
	putActor(buf, msg.Sender)
	putActor(buf, msg.Target)
	putStr(buf, string(msg.SendingSilo))
	putStr(buf, string(msg.TargetSilo))
	buf.WriteByte(byte(msg.Rejection))
	return putBody(buf, msg.Body)
}

func putActor(buf *bytes.Buffer, a ActorID) {
	buf.WriteByte(byte(a.Kind))
	putStr(buf, a.ID)
}

func putStr(buf *bytes.Buffer, s string) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func putI64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func putBody(buf *bytes.Buffer, body interface{}) error {
	switch v := body.(type) {
	case nil:
		buf.WriteByte(bodyNil)
	case string:
		buf.WriteByte(bodyString)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
		buf.Write(tmp[:])
		buf.WriteString(v)
	case int:
		buf.WriteByte(bodyInt)
		putI64(buf, int64(v))
	case int64:
		buf.WriteByte(bodyInt64)
		putI64(buf, v)
	case float64:
		buf.WriteByte(bodyFloat64)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
		buf.Write(tmp[:])
	case bool:
		buf.WriteByte(bodyBool)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case []byte:
		buf.WriteByte(bodyBytes)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
		buf.Write(tmp[:])
		buf.Write(v)
	default:
		// Gob fallback for user-defined types.
		buf.WriteByte(bodyGob)
		var gobBuf bytes.Buffer
		if err := gob.NewEncoder(&gobBuf).Encode(&body); err != nil {
			return fmt.Errorf("body gob encode: %w", err)
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(gobBuf.Len()))
		buf.Write(tmp[:])
		buf.Write(gobBuf.Bytes())
	}
	return nil
}

// --- decode ---

// readFrame reads one frame from r and returns the decoded messages
// (one for TagClientMessage, several for TagClientBatch).
func readFrame(r io.Reader) ([]*Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n < 1 || n > maxFramePayload {
		return nil, fmt.Errorf("frame payload length %d out of range", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	tag := payload[0]
	body := payload[1:]
	switch tag {
	case TagClientMessage:
		msg, err := decodeMessagePayload(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	case TagClientBatch:
		return decodeBatchPayload(body)
	default:
		return nil, fmt.Errorf("unknown frame tag %d", tag)
	}
}

func decodeBatchPayload(body []byte) ([]*Message, error) {
	r := bytes.NewReader(body)
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:2]); err != nil {
		return nil, err
	}
	count := int(binary.BigEndian.Uint16(tmp[:2]))
	msgs := make([]*Message, 0, count)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		subLen := binary.BigEndian.Uint32(tmp[:])
		sub := make([]byte, subLen)
		if _, err := io.ReadFull(r, sub); err != nil {
			return nil, err
		}
		msg, err := decodeMessagePayload(bytes.NewReader(sub))
		if err != nil {
			return nil, fmt.Errorf("batch message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeMessagePayload(r *bytes.Reader) (*Message, error) {
	direction, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	id, err := getI64(r)
	if err != nil {
		return nil, err
	}
	sender, err := getActor(r)
	if err != nil {
		return nil, err
	}
	target, err := getActor(r)
	if err != nil {
		return nil, err
	}
	sendingSilo, err := getStr(r)
	if err != nil {
		return nil, err
	}
	targetSilo, err := getStr(r)
	if err != nil {
		return nil, err
	}
	rejection, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	body, err := getBody(r)
	if err != nil {
		return nil, err
	}
	return &Message{
		Direction:   Direction(direction),
		ID:          id,
		Sender:      sender,
		Target:      target,
		SendingSilo: SiloAddress(sendingSilo),
		TargetSilo:  SiloAddress(targetSilo),
		Rejection:   RejectionKind(rejection),
		Body:        body,
	}, nil
}

func getActor(r *bytes.Reader) (ActorID, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return ActorID{}, err
	}
	id, err := getStr(r)
	if err != nil {
		return ActorID{}, err
	}
	return ActorID{Kind: ActorKind(kind), ID: id}, nil
}

func getStr(r *bytes.Reader) (string, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(tmp[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func getI64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

func getBody(r *bytes.Reader) (interface{}, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case bodyNil:
		return nil, nil
	case bodyString:
		b, err := getLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case bodyInt:
		v, err := getI64(r)
		return int(v), err
	case bodyInt64:
		return getI64(r)
	case bodyFloat64:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(tmp[:])), nil
	case bodyBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b == 1, nil
	case bodyBytes:
		return getLenPrefixed(r)
	case bodyGob:
		b, err := getLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		var body interface{}
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&body); err != nil {
			return nil, fmt.Errorf("body gob decode: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown body tag %d", kind)
	}
}

func getLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(tmp[:])
	if n > maxFramePayload {
		return nil, fmt.Errorf("length prefix %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
