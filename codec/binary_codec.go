package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"tuya-bridge/message"
)

const flagFailed byte = 1

var errTruncated = errors.New("BinaryCodec: truncated message")

// BinaryCodec lays the envelope out as length-prefixed fields:
//
//	flags(1) plugin(2+n) method(2+n) args(4+n) payload(4+n) failure(4+n)
//
// Bit 0 of flags marks the failure arm, so an empty failure value survives the trip.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.Plugin) > math.MaxUint16 || len(msg.Method) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: plugin or method name too long")
	}

	total := 1 + 2 + len(msg.Plugin) + 2 + len(msg.Method) + 4 + len(msg.Args) + 4 + len(msg.Payload) + 4 + len(msg.Failure)
	buf := make([]byte, 0, total)

	var flags byte
	if msg.Failed() {
		flags |= flagFailed
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Plugin)))
	buf = append(buf, msg.Plugin...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Method)))
	buf = append(buf, msg.Method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Args)))
	buf = append(buf, msg.Args...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Failure)))
	buf = append(buf, msg.Failure...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}
	flags := r.readByte()
	msg.Plugin = string(r.bytes(int(r.readUint16())))
	msg.Method = string(r.bytes(int(r.readUint16())))
	msg.Args = r.field()
	msg.Payload = r.field()
	failure := r.field()
	if r.err != nil {
		return r.err
	}

	msg.Failure = nil
	if flags&flagFailed != 0 {
		if failure == nil {
			failure = []byte{}
		}
		msg.Failure = failure
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks the buffer and remembers the first bounds error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readUint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readUint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// field reads a u32-prefixed byte slice, copied out of the frame buffer.
func (r *reader) field() []byte {
	n := r.readUint32()
	if n > uint32(len(r.data)) {
		r.err = errTruncated
		return nil
	}
	b := r.bytes(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
