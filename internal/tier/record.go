package tier

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/tiersearch/internal/hash"
	"github.com/hupe1980/tiersearch/model"
)

const (
	recordMagic   = 0x5453 // "TS"
	recordVersion = 1

	recordKindMeta    = 1
	recordKindContent = 2
)

// Envelope: Magic (2) | Version (1) | Kind (1) | Checksum (4, CRC32C of payload) | Payload
const envelopeSize = 8

func seal(kind byte, payload []byte) []byte {
	out := make([]byte, envelopeSize, envelopeSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], recordMagic)
	out[2] = recordVersion
	out[3] = kind
	binary.LittleEndian.PutUint32(out[4:8], hash.CRC32C(payload))
	return append(out, payload...)
}

func unseal(kind byte, data []byte) ([]byte, error) {
	if len(data) < envelopeSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrCorrupt, len(data))
	}
	if m := binary.LittleEndian.Uint16(data[0:2]); m != recordMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, m)
	}
	if data[2] != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrCorrupt, data[2])
	}
	if data[3] != kind {
		return nil, fmt.Errorf("%w: record kind %d, want %d", ErrCorrupt, data[3], kind)
	}
	payload := data[envelopeSize:]
	if hash.CRC32C(payload) != binary.LittleEndian.Uint32(data[4:8]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return payload, nil
}

// EncodeMeta serializes a metadata record.
func EncodeMeta(m *model.StoredMeta) []byte {
	pb := newPayloadBuffer(make([]byte, 0, 64+len(m.Name)+len(m.Path)+len(m.Ext)))
	pb.writeUint64(uint64(m.CommitStamp))
	pb.writeUint64(uint64(m.Key))
	pb.writeUint64(uint64(m.Parent))
	pb.writeString(m.Name)
	pb.writeString(m.Path)
	pb.writeString(m.Ext)
	pb.writeUint64(m.Size)
	pb.writeTime(m.Modified)
	pb.writeTime(m.Created)
	pb.writeUint32(uint32(m.Volume))
	pb.writeUint32(uint32(m.Flags))
	return seal(recordKindMeta, pb.buf)
}

// DecodeMeta deserializes a metadata record. Damaged records yield ErrCorrupt.
func DecodeMeta(data []byte) (*model.StoredMeta, error) {
	payload, err := unseal(recordKindMeta, data)
	if err != nil {
		return nil, err
	}
	pb := newPayloadBuffer(payload)
	m := &model.StoredMeta{}
	m.CommitStamp = int64(pb.readUint64())
	m.Key = model.DocKey(pb.readUint64())
	m.Parent = model.DocKey(pb.readUint64())
	m.Name = pb.readString()
	m.Path = pb.readString()
	m.Ext = pb.readString()
	m.Size = pb.readUint64()
	m.Modified = pb.readTime()
	m.Created = pb.readTime()
	m.Volume = model.VolumeID(pb.readUint32())
	m.Flags = model.Flags(pb.readUint32())
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	return m, nil
}

// EncodeContent serializes a content record, compressing its text.
func EncodeContent(c *model.StoredContent, comp Compression) ([]byte, error) {
	block, err := compressBlock([]byte(c.Text), comp)
	if err != nil {
		return nil, err
	}
	pb := newPayloadBuffer(make([]byte, 0, 48+len(block)))
	pb.writeUint64(uint64(c.CommitStamp))
	pb.writeUint64(uint64(c.Key))
	pb.writeUint8(uint8(c.Kind))
	pb.writeUint8(uint8(c.Analyzer))
	pb.writeTime(c.Modified)
	pb.writeUint64(c.Size)
	pb.writeUint32(uint32(c.Volume))
	pb.writeUint8(uint8(comp))
	pb.writeBytes(block)
	return seal(recordKindContent, pb.buf), nil
}

// DecodeContent deserializes a content record. Damaged records yield ErrCorrupt.
func DecodeContent(data []byte) (*model.StoredContent, error) {
	payload, err := unseal(recordKindContent, data)
	if err != nil {
		return nil, err
	}
	pb := newPayloadBuffer(payload)
	c := &model.StoredContent{}
	c.CommitStamp = int64(pb.readUint64())
	c.Key = model.DocKey(pb.readUint64())
	c.Kind = model.DocKind(pb.readUint8())
	c.Analyzer = model.Analyzer(pb.readUint8())
	c.Modified = pb.readTime()
	c.Size = pb.readUint64()
	c.Volume = model.VolumeID(pb.readUint32())
	comp := Compression(pb.readUint8())
	block := pb.readBytes()
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	text, err := decompressBlock(block, comp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	c.Text = string(text)
	return c, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint8(v uint8) {
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint64(v uint64) {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

// writeTime stores unix nanos; the zero time is stored as 0.
func (p *payloadBuffer) writeTime(t time.Time) {
	if t.IsZero() {
		p.writeUint64(0)
		return
	}
	p.writeUint64(uint64(t.UnixNano()))
}

func (p *payloadBuffer) writeBytes(b []byte) {
	p.buf = binary.AppendUvarint(p.buf, uint64(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	p.buf = binary.AppendUvarint(p.buf, uint64(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint8() uint8 {
	if !p.need(1) {
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readTime() time.Time {
	v := p.readUint64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

func (p *payloadBuffer) readBytes() []byte {
	if p.err != nil {
		return nil
	}
	l, n := binary.Uvarint(p.buf[p.pos:])
	if n <= 0 {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	p.pos += n
	if l > uint64(len(p.buf)-p.pos) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+int(l)]
	p.pos += int(l)
	return b
}

func (p *payloadBuffer) readString() string {
	return string(p.readBytes())
}
