// Package protocol defines the binary wire format exchanged between peers:
// a fixed 8-byte header followed by a compact, type-specific payload.
package protocol

import (
	"screenmesh/internal/core/domain"
)

type MessageType uint8

// Message type tags. Ranges group related traffic: 0x0x connection
// management, 0x1x screen sharing, 0x2x remote control, 0x3x chat, 0x4x
// file transfer.
const (
	TypeHandshake    MessageType = 0x00
	TypeHandshakeAck MessageType = 0x01
	TypeDisconnect   MessageType = 0x02
	TypeHeartbeat    MessageType = 0x03
	TypeHeartbeatAck MessageType = 0x04

	TypeScreenOffer     MessageType = 0x10
	TypeScreenRequest   MessageType = 0x11
	TypeScreenStart     MessageType = 0x12
	TypeScreenFrame     MessageType = 0x13
	TypeScreenStop      MessageType = 0x14
	TypeRequestKeyframe MessageType = 0x15

	TypeControlRequest MessageType = 0x20
	TypeControlGrant   MessageType = 0x21
	TypeControlRevoke  MessageType = 0x22
	TypeInputEvent     MessageType = 0x23

	TypeChatMessage MessageType = 0x30

	TypeFileOffer    MessageType = 0x40
	TypeFileAccept   MessageType = 0x41
	TypeFileReject   MessageType = 0x42
	TypeFileChunk    MessageType = 0x43
	TypeFileComplete MessageType = 0x44
	TypeFileCancel   MessageType = 0x45
)

// Message is one decoded wire message. Consumers dispatch on Type().
type Message interface {
	Type() MessageType
}

// Handshake opens every connection. The initiator sends it on the control
// stream before anything else.
type Handshake struct {
	DeviceID     string
	Name         string
	Version      string
	Capabilities []string
}

func (Handshake) Type() MessageType { return TypeHandshake }

type HandshakeAck struct {
	DeviceID     string
	Name         string
	Version      string
	Capabilities []string
	Accepted     bool
	Reason       string
}

func (HandshakeAck) Type() MessageType { return TypeHandshakeAck }

type Disconnect struct {
	Reason string
}

func (Disconnect) Type() MessageType { return TypeDisconnect }

type Heartbeat struct {
	Timestamp uint64 // unix milliseconds at send time
}

func (Heartbeat) Type() MessageType { return TypeHeartbeat }

type HeartbeatAck struct {
	Timestamp uint64
	LatencyMS uint32
}

func (HeartbeatAck) Type() MessageType { return TypeHeartbeatAck }

// ScreenOffer advertises the sharer's available displays. Broadcast to all
// connected peers; also serves as the sharing-status gossip.
type ScreenOffer struct {
	Displays []domain.DisplayInfo
}

func (ScreenOffer) Type() MessageType { return TypeScreenOffer }

type ScreenRequest struct {
	DisplayID        uint32
	PreferredFPS     uint8
	PreferredQuality uint8
}

func (ScreenRequest) Type() MessageType { return TypeScreenRequest }

type ScreenStart struct {
	DisplayID uint32
	Width     uint32
	Height    uint32
	FPS       uint8
	Codec     string
}

func (ScreenStart) Type() MessageType { return TypeScreenStart }

// ScreenFrame carries one encoded video frame. Sequence numbers increase
// strictly per (sharer, display); receivers use gaps for loss detection,
// never for reordering.
type ScreenFrame struct {
	DisplayID uint32
	Timestamp uint64
	Kind      domain.FrameKind
	Sequence  uint32
	Data      []byte
}

func (ScreenFrame) Type() MessageType { return TypeScreenFrame }

type ScreenStop struct {
	DisplayID uint32
}

func (ScreenStop) Type() MessageType { return TypeScreenStop }

// RequestKeyframe asks the sharer to emit a fresh keyframe for a stream the
// requester can no longer decode (sequence gap or missing reference).
type RequestKeyframe struct {
	DisplayID    uint32
	FromSequence uint32 // first sequence the requester could not use
}

func (RequestKeyframe) Type() MessageType { return TypeRequestKeyframe }

type ControlRequest struct {
	FromUser string
}

func (ControlRequest) Type() MessageType { return TypeControlRequest }

type ControlGrant struct {
	ToUser string
}

func (ControlGrant) Type() MessageType { return TypeControlGrant }

type ControlRevoke struct{}

func (ControlRevoke) Type() MessageType { return TypeControlRevoke }

type InputKind uint8

const (
	InputMouseMove InputKind = iota
	InputMouseDown
	InputMouseUp
	InputMouseScroll
	InputKeyDown
	InputKeyUp
)

type MouseButton uint8

const (
	MouseLeft MouseButton = iota
	MouseRight
	MouseMiddle
)

// Modifier bitmask for key events.
const (
	ModShift uint8 = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// InputEvent carries one remote-control input. Only the fields relevant to
// Kind are meaningful: Button for mouse down/up, DeltaX/DeltaY for scroll,
// KeyCode/Modifiers for key events.
type InputEvent struct {
	Kind      InputKind
	X         float32
	Y         float32
	Button    MouseButton
	DeltaX    float32
	DeltaY    float32
	KeyCode   uint32
	Modifiers uint8
}

func (InputEvent) Type() MessageType { return TypeInputEvent }

type ChatMessage struct {
	From      string
	Content   string
	Timestamp uint64
}

func (ChatMessage) Type() MessageType { return TypeChatMessage }

type FileOffer struct {
	FileID   string
	Name     string
	Size     uint64
	Checksum string
}

func (FileOffer) Type() MessageType { return TypeFileOffer }

type FileAccept struct {
	FileID string
}

func (FileAccept) Type() MessageType { return TypeFileAccept }

type FileReject struct {
	FileID string
}

func (FileReject) Type() MessageType { return TypeFileReject }

type FileChunk struct {
	FileID string
	Offset uint64
	Data   []byte
}

func (FileChunk) Type() MessageType { return TypeFileChunk }

type FileComplete struct {
	FileID string
}

func (FileComplete) Type() MessageType { return TypeFileComplete }

type FileCancel struct {
	FileID string
}

func (FileCancel) Type() MessageType { return TypeFileCancel }
