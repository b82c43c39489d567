package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Command identifies a request or reply kind on the wire (spec §6).
type Command uint16

const (
	CmdServerHello Command = iota + 1
	CmdLoadLevels
	CmdAcceptBucket
	CmdControlBucket
	CmdSyncName
	CmdSync
	CmdFinaliseMigration
	CmdPromote
	CmdHashMaskUpdate
	CmdBackupHandoff

	CmdAck
	CmdReplyLoadLevels
	CmdReplyAcceptingBucket
	CmdReplyControlBucketComplete
	CmdReplySyncNameAck
	CmdReplySyncAck
	CmdReplyMigrationAck
	CmdReplyPromoteAck
	CmdReplyBackupHandoffAck
	CmdReplyUnknown
)

func (c Command) String() string {
	switch c {
	case CmdServerHello:
		return "SERVERHELLO"
	case CmdLoadLevels:
		return "LOADLEVELS"
	case CmdAcceptBucket:
		return "ACCEPT_BUCKET"
	case CmdControlBucket:
		return "CONTROL_BUCKET"
	case CmdSyncName:
		return "SYNC_NAME"
	case CmdSync:
		return "SYNC"
	case CmdFinaliseMigration:
		return "FINALISE_MIGRATION"
	case CmdPromote:
		return "PROMOTE"
	case CmdHashMaskUpdate:
		return "HASHMASK_UPDATE"
	case CmdBackupHandoff:
		return "BACKUP_HANDOFF"
	case CmdAck:
		return "ACK"
	case CmdReplyLoadLevels:
		return "REPLY_LOADLEVELS"
	case CmdReplyAcceptingBucket:
		return "REPLY_ACCEPTING_BUCKET"
	case CmdReplyControlBucketComplete:
		return "REPLY_CONTROL_BUCKET_COMPLETE"
	case CmdReplySyncNameAck:
		return "REPLY_SYNC_NAME_ACK"
	case CmdReplySyncAck:
		return "REPLY_SYNC_ACK"
	case CmdReplyMigrationAck:
		return "REPLY_MIGRATION_ACK"
	case CmdReplyPromoteAck:
		return "REPLY_PROMOTE_ACK"
	case CmdReplyBackupHandoffAck:
		return "REPLY_BACKUP_HANDOFF_ACK"
	case CmdReplyUnknown:
		return "REPLY_UNKNOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(c))
	}
}

// Header is the fixed-size frame preamble (spec §6): command, the reply
// command a request expects (0 on replies and pushes), a request
// correlation ID, and the payload length. All integers travel in network
// byte order.
type Header struct {
	Command    Command
	ReplyCmd   Command
	RequestID  uint32
	PayloadLen uint32
}

const headerSize = 2 + 2 + 4 + 4

// Frame is one header plus its already-encoded payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes the frame header and payload into a single buffer.
func (f Frame) Encode() []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.Header.Command))
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Header.ReplyCmd))
	binary.BigEndian.PutUint32(buf[4:8], f.Header.RequestID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	return buf
}

// DecodeFrame parses a frame previously produced by Encode.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("transport: short frame header: %d bytes", len(buf))
	}
	h := Header{
		Command:    Command(binary.BigEndian.Uint16(buf[0:2])),
		ReplyCmd:   Command(binary.BigEndian.Uint16(buf[2:4])),
		RequestID:  binary.BigEndian.Uint32(buf[4:8]),
		PayloadLen: binary.BigEndian.Uint32(buf[8:12]),
	}
	if uint32(len(buf)-headerSize) < h.PayloadLen {
		return Frame{}, fmt.Errorf("transport: short payload: want %d, have %d", h.PayloadLen, len(buf)-headerSize)
	}
	return Frame{Header: h, Payload: buf[headerSize : headerSize+int(h.PayloadLen)]}, nil
}

func putString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	s := make([]byte, n)
	if _, err := r.Read(s); err != nil {
		return "", err
	}
	return string(s), nil
}

// ServerHello is the SERVERHELLO request payload.
type ServerHello struct {
	Addr         string
	Capabilities uint32
}

// CapSupportsPromoteSwap marks that this node's migration engine can
// receive and drive a PromoteSwap finalize (spec §4.5), giving the
// handshake a forward-compatible extension point (SPEC_FULL §4.7).
const CapSupportsPromoteSwap uint32 = 1 << 0

func (h ServerHello) Marshal() []byte {
	var buf bytes.Buffer
	putString(&buf, h.Addr)
	var capBuf [4]byte
	binary.BigEndian.PutUint32(capBuf[:], h.Capabilities)
	buf.Write(capBuf[:])
	return buf.Bytes()
}

func UnmarshalServerHello(payload []byte) (ServerHello, error) {
	r := bytes.NewReader(payload)
	addr, err := getString(r)
	if err != nil {
		return ServerHello{}, err
	}
	var capBuf [4]byte
	if _, err := r.Read(capBuf[:]); err != nil {
		return ServerHello{}, err
	}
	return ServerHello{Addr: addr, Capabilities: binary.BigEndian.Uint32(capBuf[:])}, nil
}

// LoadLevels is the REPLY_LOADLEVELS payload (spec §4.4 inputs).
type LoadLevels struct {
	Primary      int32
	Backups      int32
	Transferring int32
}

func (l LoadLevels) Marshal() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(l.Primary))
	binary.BigEndian.PutUint32(buf[4:8], uint32(l.Backups))
	binary.BigEndian.PutUint32(buf[8:12], uint32(l.Transferring))
	return buf
}

func UnmarshalLoadLevels(payload []byte) (LoadLevels, error) {
	if len(payload) < 12 {
		return LoadLevels{}, fmt.Errorf("transport: short LOADLEVELS payload")
	}
	return LoadLevels{
		Primary:      int32(binary.BigEndian.Uint32(payload[0:4])),
		Backups:      int32(binary.BigEndian.Uint32(payload[4:8])),
		Transferring: int32(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

// BucketMaskHash is the common (mask, hash) pair shared by several payloads:
// ACCEPT_BUCKET, its reply, CONTROL_BUCKET's reply, FINALISE_MIGRATION's reply.
type BucketMaskHash struct {
	Mask uint64
	Hash uint64
}

func (b BucketMaskHash) Marshal() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], b.Mask)
	binary.BigEndian.PutUint64(buf[8:16], b.Hash)
	return buf
}

func UnmarshalBucketMaskHash(payload []byte) (BucketMaskHash, error) {
	if len(payload) < 16 {
		return BucketMaskHash{}, fmt.Errorf("transport: short mask/hash payload")
	}
	return BucketMaskHash{
		Mask: binary.BigEndian.Uint64(payload[0:8]),
		Hash: binary.BigEndian.Uint64(payload[8:16]),
	}, nil
}

// ControlBucket is the CONTROL_BUCKET request payload.
type ControlBucket struct {
	Mask  uint64
	Hash  uint64
	Level uint8
}

func (c ControlBucket) Marshal() []byte {
	buf := make([]byte, 17)
	binary.BigEndian.PutUint64(buf[0:8], c.Mask)
	binary.BigEndian.PutUint64(buf[8:16], c.Hash)
	buf[16] = c.Level
	return buf
}

func UnmarshalControlBucket(payload []byte) (ControlBucket, error) {
	if len(payload) < 17 {
		return ControlBucket{}, fmt.Errorf("transport: short CONTROL_BUCKET payload")
	}
	return ControlBucket{
		Mask:  binary.BigEndian.Uint64(payload[0:8]),
		Hash:  binary.BigEndian.Uint64(payload[8:16]),
		Level: payload[16],
	}, nil
}

// SyncName is the SYNC_NAME request payload.
type SyncName struct {
	Hash uint64
	Name string
}

func (s SyncName) Marshal() []byte {
	var buf bytes.Buffer
	var hashBuf [8]byte
	binary.BigEndian.PutUint64(hashBuf[:], s.Hash)
	buf.Write(hashBuf[:])
	putString(&buf, s.Name)
	return buf.Bytes()
}

func UnmarshalSyncName(payload []byte) (SyncName, error) {
	if len(payload) < 8 {
		return SyncName{}, fmt.Errorf("transport: short SYNC_NAME payload")
	}
	hash := binary.BigEndian.Uint64(payload[0:8])
	r := bytes.NewReader(payload[8:])
	name, err := getString(r)
	if err != nil {
		return SyncName{}, err
	}
	return SyncName{Hash: hash, Name: name}, nil
}

// HashReply is the (hash) payload shared by REPLY_SYNC_NAME_ACK.
type HashReply struct {
	Hash uint64
}

func (h HashReply) Marshal() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Hash)
	return buf
}

func UnmarshalHashReply(payload []byte) (HashReply, error) {
	if len(payload) < 8 {
		return HashReply{}, fmt.Errorf("transport: short hash payload")
	}
	return HashReply{Hash: binary.BigEndian.Uint64(payload[0:8])}, nil
}

// Sync is the SYNC request payload: one key/value item being migrated or
// replicated.
type Sync struct {
	Map     uint64
	Hash    uint64
	NameInt int64
	Expires int32
	Value   []byte
}

func (s Sync) Marshal() []byte {
	buf := make([]byte, 8+8+8+4+len(s.Value))
	binary.BigEndian.PutUint64(buf[0:8], s.Map)
	binary.BigEndian.PutUint64(buf[8:16], s.Hash)
	binary.BigEndian.PutUint64(buf[16:24], uint64(s.NameInt))
	binary.BigEndian.PutUint32(buf[24:28], uint32(s.Expires))
	copy(buf[28:], s.Value)
	return buf
}

func UnmarshalSync(payload []byte) (Sync, error) {
	if len(payload) < 28 {
		return Sync{}, fmt.Errorf("transport: short SYNC payload")
	}
	return Sync{
		Map:     binary.BigEndian.Uint64(payload[0:8]),
		Hash:    binary.BigEndian.Uint64(payload[8:16]),
		NameInt: int64(binary.BigEndian.Uint64(payload[16:24])),
		Expires: int32(binary.BigEndian.Uint32(payload[24:28])),
		Value:   payload[28:],
	}, nil
}

// MapHashReply is the (map, hash) payload shared by REPLY_SYNC_ACK.
type MapHashReply struct {
	Map  uint64
	Hash uint64
}

func (m MapHashReply) Marshal() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], m.Map)
	binary.BigEndian.PutUint64(buf[8:16], m.Hash)
	return buf
}

func UnmarshalMapHashReply(payload []byte) (MapHashReply, error) {
	if len(payload) < 16 {
		return MapHashReply{}, fmt.Errorf("transport: short map/hash payload")
	}
	return MapHashReply{
		Map:  binary.BigEndian.Uint64(payload[0:8]),
		Hash: binary.BigEndian.Uint64(payload[8:16]),
	}, nil
}

// NewRole values for FinaliseMigration.
const (
	RoleNewBackup  uint8 = 1
	RoleNewPrimary uint8 = 2
)

// FinaliseMigration is the FINALISE_MIGRATION request payload.
type FinaliseMigration struct {
	Mask    uint64
	Hash    uint64
	NewRole uint8
}

func (f FinaliseMigration) Marshal() []byte {
	buf := make([]byte, 17)
	binary.BigEndian.PutUint64(buf[0:8], f.Mask)
	binary.BigEndian.PutUint64(buf[8:16], f.Hash)
	buf[16] = f.NewRole
	return buf
}

func UnmarshalFinaliseMigration(payload []byte) (FinaliseMigration, error) {
	if len(payload) < 17 {
		return FinaliseMigration{}, fmt.Errorf("transport: short FINALISE_MIGRATION payload")
	}
	return FinaliseMigration{
		Mask:    binary.BigEndian.Uint64(payload[0:8]),
		Hash:    binary.BigEndian.Uint64(payload[8:16]),
		NewRole: payload[16],
	}, nil
}

// Promote is the PROMOTE request payload.
type Promote struct {
	Hash uint64
}

func (p Promote) Marshal() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Hash)
	return buf
}

func UnmarshalPromote(payload []byte) (Promote, error) {
	if len(payload) < 8 {
		return Promote{}, fmt.Errorf("transport: short PROMOTE payload")
	}
	return Promote{Hash: binary.BigEndian.Uint64(payload[0:8])}, nil
}

// HashMaskUpdate is the pushed, no-reply HASHMASK_UPDATE payload.
type HashMaskUpdate struct {
	Mask          uint64
	Hash          uint64
	PrimaryAddr   string
	SecondaryAddr string
}

func (u HashMaskUpdate) Marshal() []byte {
	var buf bytes.Buffer
	var fixed [16]byte
	binary.BigEndian.PutUint64(fixed[0:8], u.Mask)
	binary.BigEndian.PutUint64(fixed[8:16], u.Hash)
	buf.Write(fixed[:])
	putString(&buf, u.PrimaryAddr)
	putString(&buf, u.SecondaryAddr)
	return buf.Bytes()
}

func UnmarshalHashMaskUpdate(payload []byte) (HashMaskUpdate, error) {
	if len(payload) < 16 {
		return HashMaskUpdate{}, fmt.Errorf("transport: short HASHMASK_UPDATE payload")
	}
	mask := binary.BigEndian.Uint64(payload[0:8])
	hash := binary.BigEndian.Uint64(payload[8:16])
	r := bytes.NewReader(payload[16:])
	primary, err := getString(r)
	if err != nil {
		return HashMaskUpdate{}, err
	}
	secondary, err := getString(r)
	if err != nil {
		return HashMaskUpdate{}, err
	}
	return HashMaskUpdate{Mask: mask, Hash: hash, PrimaryAddr: primary, SecondaryAddr: secondary}, nil
}

// BackupHandoff is the BACKUP_HANDOFF request payload: a targeted message
// to the existing backup of a bucket whose primary just migrated away,
// naming where the primary went (spec §4.5, Open Question 1). Unlike
// HASHMASK_UPDATE's fire-and-forget broadcast, the sender waits on
// REPLY_BACKUP_HANDOFF_ACK before dropping its own replica.
type BackupHandoff struct {
	Mask           uint64
	Hash           uint64
	NewPrimaryAddr string
}

func (h BackupHandoff) Marshal() []byte {
	var buf bytes.Buffer
	var fixed [16]byte
	binary.BigEndian.PutUint64(fixed[0:8], h.Mask)
	binary.BigEndian.PutUint64(fixed[8:16], h.Hash)
	buf.Write(fixed[:])
	putString(&buf, h.NewPrimaryAddr)
	return buf.Bytes()
}

func UnmarshalBackupHandoff(payload []byte) (BackupHandoff, error) {
	if len(payload) < 16 {
		return BackupHandoff{}, fmt.Errorf("transport: short BACKUP_HANDOFF payload")
	}
	mask := binary.BigEndian.Uint64(payload[0:8])
	hash := binary.BigEndian.Uint64(payload[8:16])
	r := bytes.NewReader(payload[16:])
	addr, err := getString(r)
	if err != nil {
		return BackupHandoff{}, err
	}
	return BackupHandoff{Mask: mask, Hash: hash, NewPrimaryAddr: addr}, nil
}
