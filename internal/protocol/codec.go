package protocol

import (
	"fmt"

	"screenmesh/internal/core/domain"
)

// Frame layout: Magic(2) | Version(1) | Type(1) | Length(4, BE) | Payload.
const (
	Magic0 = 0x53 // 'S'
	Magic1 = 0x4D // 'M'

	Version = 1

	HeaderSize     = 8
	MaxMessageSize = 16 * 1024 * 1024
)

// Encode serializes a message into one complete wire frame.
func Encode(msg Message) ([]byte, error) {
	var w wireWriter
	w.buf = make([]byte, HeaderSize, HeaderSize+64)
	encodePayload(&w, msg)

	payloadLen := len(w.buf) - HeaderSize
	if payloadLen > MaxMessageSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds limit", domain.ErrProtocol, payloadLen)
	}

	w.buf[0] = Magic0
	w.buf[1] = Magic1
	w.buf[2] = Version
	w.buf[3] = byte(msg.Type())
	w.buf[4] = byte(payloadLen >> 24)
	w.buf[5] = byte(payloadLen >> 16)
	w.buf[6] = byte(payloadLen >> 8)
	w.buf[7] = byte(payloadLen)
	return w.buf, nil
}

// Decode parses exactly one frame from data. The frame must be complete.
func Decode(data []byte) (Message, error) {
	var d Decoder
	d.Feed(data)
	msg, err := d.Next()
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: incomplete frame (%d bytes)", domain.ErrCorruptFrame, len(data))
	}
	return msg, nil
}

// Decoder accumulates stream bytes and yields complete messages. A magic or
// version mismatch marks the decoder corrupt: the stream has desynced and
// the owning connection must close.
type Decoder struct {
	buf     []byte
	corrupt bool
}

// Feed appends stream bytes to the internal buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message, or (nil, nil) when more bytes are
// needed. Any returned error is unrecoverable for this decoder.
func (d *Decoder) Next() (Message, error) {
	if d.corrupt {
		return nil, domain.ErrCorruptFrame
	}
	if len(d.buf) < HeaderSize {
		return nil, nil
	}

	if d.buf[0] != Magic0 || d.buf[1] != Magic1 {
		d.corrupt = true
		return nil, fmt.Errorf("%w: bad magic 0x%02X%02X", domain.ErrCorruptFrame, d.buf[0], d.buf[1])
	}
	if d.buf[2] != Version {
		d.corrupt = true
		return nil, fmt.Errorf("%w: version %d", domain.ErrVersionMismatch, d.buf[2])
	}

	payloadLen := int(d.buf[4])<<24 | int(d.buf[5])<<16 | int(d.buf[6])<<8 | int(d.buf[7])
	if payloadLen > MaxMessageSize {
		d.corrupt = true
		return nil, fmt.Errorf("%w: payload length %d", domain.ErrCorruptFrame, payloadLen)
	}

	total := HeaderSize + payloadLen
	if len(d.buf) < total {
		return nil, nil
	}

	msgType := MessageType(d.buf[3])
	payload := d.buf[HeaderSize:total]
	msg, err := decodePayload(msgType, payload)
	if err != nil {
		d.corrupt = true
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptFrame, err)
	}

	d.buf = d.buf[total:]
	return msg, nil
}

func encodePayload(w *wireWriter, msg Message) {
	switch m := msg.(type) {
	case Handshake:
		w.str(m.DeviceID)
		w.str(m.Name)
		w.str(m.Version)
		w.strSlice(m.Capabilities)
	case HandshakeAck:
		w.str(m.DeviceID)
		w.str(m.Name)
		w.str(m.Version)
		w.strSlice(m.Capabilities)
		w.boolean(m.Accepted)
		w.str(m.Reason)
	case Disconnect:
		w.str(m.Reason)
	case Heartbeat:
		w.u64(m.Timestamp)
	case HeartbeatAck:
		w.u64(m.Timestamp)
		w.u32(m.LatencyMS)
	case ScreenOffer:
		w.u16(uint16(len(m.Displays)))
		for _, d := range m.Displays {
			w.u32(uint32(d.ID))
			w.str(d.Name)
			w.u32(d.Width)
			w.u32(d.Height)
			w.boolean(d.Primary)
		}
	case ScreenRequest:
		w.u32(m.DisplayID)
		w.u8(m.PreferredFPS)
		w.u8(m.PreferredQuality)
	case ScreenStart:
		w.u32(m.DisplayID)
		w.u32(m.Width)
		w.u32(m.Height)
		w.u8(m.FPS)
		w.str(m.Codec)
	case ScreenFrame:
		w.u32(m.DisplayID)
		w.u64(m.Timestamp)
		w.u8(uint8(m.Kind))
		w.u32(m.Sequence)
		w.blob(m.Data)
	case ScreenStop:
		w.u32(m.DisplayID)
	case RequestKeyframe:
		w.u32(m.DisplayID)
		w.u32(m.FromSequence)
	case ControlRequest:
		w.str(m.FromUser)
	case ControlGrant:
		w.str(m.ToUser)
	case ControlRevoke:
		// no payload
	case InputEvent:
		w.u8(uint8(m.Kind))
		w.f32(m.X)
		w.f32(m.Y)
		w.u8(uint8(m.Button))
		w.f32(m.DeltaX)
		w.f32(m.DeltaY)
		w.u32(m.KeyCode)
		w.u8(m.Modifiers)
	case ChatMessage:
		w.str(m.From)
		w.str(m.Content)
		w.u64(m.Timestamp)
	case FileOffer:
		w.str(m.FileID)
		w.str(m.Name)
		w.u64(m.Size)
		w.str(m.Checksum)
	case FileAccept:
		w.str(m.FileID)
	case FileReject:
		w.str(m.FileID)
	case FileChunk:
		w.str(m.FileID)
		w.u64(m.Offset)
		w.blob(m.Data)
	case FileComplete:
		w.str(m.FileID)
	case FileCancel:
		w.str(m.FileID)
	default:
		panic(fmt.Sprintf("protocol: unknown message type %T", msg))
	}
}

func decodePayload(t MessageType, payload []byte) (Message, error) {
	r := wireReader{buf: payload}
	var msg Message

	switch t {
	case TypeHandshake:
		msg = Handshake{
			DeviceID:     r.str(),
			Name:         r.str(),
			Version:      r.str(),
			Capabilities: r.strSlice(),
		}
	case TypeHandshakeAck:
		msg = HandshakeAck{
			DeviceID:     r.str(),
			Name:         r.str(),
			Version:      r.str(),
			Capabilities: r.strSlice(),
			Accepted:     r.boolean(),
			Reason:       r.str(),
		}
	case TypeDisconnect:
		msg = Disconnect{Reason: r.str()}
	case TypeHeartbeat:
		msg = Heartbeat{Timestamp: r.u64()}
	case TypeHeartbeatAck:
		msg = HeartbeatAck{Timestamp: r.u64(), LatencyMS: r.u32()}
	case TypeScreenOffer:
		n := int(r.u16())
		displays := make([]domain.DisplayInfo, 0, n)
		for i := 0; i < n; i++ {
			displays = append(displays, domain.DisplayInfo{
				ID:      domain.DisplayID(r.u32()),
				Name:    r.str(),
				Width:   r.u32(),
				Height:  r.u32(),
				Primary: r.boolean(),
			})
		}
		msg = ScreenOffer{Displays: displays}
	case TypeScreenRequest:
		msg = ScreenRequest{
			DisplayID:        r.u32(),
			PreferredFPS:     r.u8(),
			PreferredQuality: r.u8(),
		}
	case TypeScreenStart:
		msg = ScreenStart{
			DisplayID: r.u32(),
			Width:     r.u32(),
			Height:    r.u32(),
			FPS:       r.u8(),
			Codec:     r.str(),
		}
	case TypeScreenFrame:
		msg = ScreenFrame{
			DisplayID: r.u32(),
			Timestamp: r.u64(),
			Kind:      domain.FrameKind(r.u8()),
			Sequence:  r.u32(),
			Data:      r.blob(),
		}
	case TypeScreenStop:
		msg = ScreenStop{DisplayID: r.u32()}
	case TypeRequestKeyframe:
		msg = RequestKeyframe{DisplayID: r.u32(), FromSequence: r.u32()}
	case TypeControlRequest:
		msg = ControlRequest{FromUser: r.str()}
	case TypeControlGrant:
		msg = ControlGrant{ToUser: r.str()}
	case TypeControlRevoke:
		msg = ControlRevoke{}
	case TypeInputEvent:
		msg = InputEvent{
			Kind:      InputKind(r.u8()),
			X:         r.f32(),
			Y:         r.f32(),
			Button:    MouseButton(r.u8()),
			DeltaX:    r.f32(),
			DeltaY:    r.f32(),
			KeyCode:   r.u32(),
			Modifiers: r.u8(),
		}
	case TypeChatMessage:
		msg = ChatMessage{From: r.str(), Content: r.str(), Timestamp: r.u64()}
	case TypeFileOffer:
		msg = FileOffer{
			FileID:   r.str(),
			Name:     r.str(),
			Size:     r.u64(),
			Checksum: r.str(),
		}
	case TypeFileAccept:
		msg = FileAccept{FileID: r.str()}
	case TypeFileReject:
		msg = FileReject{FileID: r.str()}
	case TypeFileChunk:
		msg = FileChunk{FileID: r.str(), Offset: r.u64(), Data: r.blob()}
	case TypeFileComplete:
		msg = FileComplete{FileID: r.str()}
	case TypeFileCancel:
		msg = FileCancel{FileID: r.str()}
	default:
		return nil, fmt.Errorf("unknown message type 0x%02X", uint8(t))
	}

	if err := r.done(); err != nil {
		return nil, err
	}
	return msg, nil
}
