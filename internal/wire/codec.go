package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// ErrMalformedMessage is returned when bytes do not decode to a message.
var ErrMalformedMessage = errors.New("malformed message")

// flag bits, reused per message kind
const (
	flagA = 1 << iota
	flagB
	flagC
	flagD
	flagE
)

// Encode returns the encoding of m.
func Encode(m Message) []byte {
	return Append(nil, m)
}

// Append appends the encoding of m to dst.
func Append(dst []byte, m Message) []byte {
	e := encoder{buf: dst}
	e.byte(byte(m.Kind()))
	switch m := m.(type) {
	case *Init:
		e.byte(flags(m.Ack, m.Reliable, m.BestEffort, m.Compression, m.Token != ""))
		e.byte(m.VersionMin)
		e.byte(m.VersionMax)
		e.id(m.PeerID)
		e.byte(byte(m.Mode))
		e.uvarint(uint64(m.BatchSize))
		e.uvarint(uint64(m.Lease / time.Millisecond))
		e.uvarint(m.InitialSN)
		if m.Token != "" {
			e.string(m.Token)
		}
	case *Close:
		e.byte(byte(m.Reason))
		e.string(m.Message)
	case *KeepAlive:
		e.byte(flags(m.Probe))
	case *Ack:
		e.uvarint(m.Next)
	case *Frame:
		e.byte(flags(m.Reliable))
		e.uvarint(m.SN)
		e.buf = Append(e.buf, m.Body)
	case *Fragment:
		e.byte(flags(m.Reliable, m.Final))
		e.uvarint(m.SN)
		e.uvarint(m.MsgID)
		e.uvarint(uint64(m.Index))
		if m.Index == 0 {
			e.uvarint(uint64(m.Total))
		}
		e.bytes(m.Data)
	case *Declare:
		e.byte(byte(m.Decl))
		e.byte(flags(m.Undeclare, m.Reliable))
		if m.Decl == DeclKeyExpr {
			e.uvarint(m.ID)
		}
		e.keyRef(m.Key)
	case *Push:
		e.byte(flags(m.Drop, m.Timestamp != 0, len(m.Attachment) > 0, m.SampleKind == routingtable.Delete))
		e.keyRef(m.Key)
		e.string(m.Encoding)
		e.bytes(m.Payload)
		e.id(m.Source)
		e.uvarint(m.SourceSN)
		if m.Timestamp != 0 {
			e.uvarint(uint64(m.Timestamp))
		}
		if len(m.Attachment) > 0 {
			e.attachment(m.Attachment)
		}
	case *Query:
		e.byte(flags(m.Value != nil, len(m.Attachment) > 0))
		e.uvarint(m.ID)
		e.keyRef(m.Key)
		e.string(m.Parameters)
		e.byte(byte(m.Consolidation))
		e.uvarint(uint64(m.Timeout / time.Millisecond))
		if m.Value != nil {
			e.string(string(m.Value.Encoding))
			e.bytes(m.Value.Payload)
		}
		if len(m.Attachment) > 0 {
			e.attachment(m.Attachment)
		}
		e.id(m.Source)
		e.uvarint(m.SourceSN)
	case *Reply:
		e.byte(flags(m.Final, m.TimedOut, m.Err, m.Body != nil))
		e.uvarint(m.QueryID)
		if b := m.Body; b != nil {
			e.byte(flags(b.SampleKind == routingtable.Delete, b.Timestamp != 0, len(b.Attachment) > 0))
			e.keyRef(b.Key)
			e.string(b.Encoding)
			e.bytes(b.Payload)
			if b.Timestamp != 0 {
				e.uvarint(uint64(b.Timestamp))
			}
			if len(b.Attachment) > 0 {
				e.attachment(b.Attachment)
			}
		}
	case *LinkState:
		e.id(m.Origin)
		e.uvarint(m.Seq)
		e.uvarint(uint64(len(m.Neighbors)))
		for _, n := range m.Neighbors {
			e.id(n)
		}
	case *Scout:
		e.id(m.ID)
		e.byte(m.What)
	case *Hello:
		e.id(m.ID)
		e.byte(byte(m.Mode))
		e.uvarint(uint64(len(m.Endpoints)))
		for _, ep := range m.Endpoints {
			e.string(ep)
		}
	default:
		panic(fmt.Sprintf("wire: unhandled message %T", m))
	}
	return e.buf
}

// Decode decodes exactly one message from b.
func Decode(b []byte) (Message, error) {
	d := decoder{b: b}
	m := d.message()
	if d.err == nil && d.off != len(d.b) {
		d.fail("trailing bytes")
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

func (d *decoder) message() Message {
	kind := Kind(d.byte())
	if d.err != nil {
		return nil
	}
	switch kind {
	case KindInit:
		f := d.byte()
		m := &Init{
			Ack:         f&flagA != 0,
			Reliable:    f&flagB != 0,
			BestEffort:  f&flagC != 0,
			Compression: f&flagD != 0,
		}
		m.VersionMin = d.byte()
		m.VersionMax = d.byte()
		m.PeerID = d.id()
		m.Mode = peerlink.Mode(d.byte())
		m.BatchSize = uint32(d.uvarint())
		m.Lease = d.millis()
		m.InitialSN = d.uvarint()
		if f&flagE != 0 {
			m.Token = d.string()
		}
		return m
	case KindClose:
		return &Close{Reason: CloseReason(d.byte()), Message: d.string()}
	case KindKeepAlive:
		return &KeepAlive{Probe: d.byte()&flagA != 0}
	case KindAck:
		return &Ack{Next: d.uvarint()}
	case KindFrame:
		m := &Frame{Reliable: d.byte()&flagA != 0}
		m.SN = d.uvarint()
		m.Body = d.message()
		if d.err == nil && !IsNetwork(m.Body) {
			d.fail("frame carries " + m.Body.Kind().String())
		}
		return m
	case KindFragment:
		f := d.byte()
		m := &Fragment{Reliable: f&flagA != 0, Final: f&flagB != 0}
		m.SN = d.uvarint()
		m.MsgID = d.uvarint()
		m.Index = uint32(d.uvarint())
		if m.Index == 0 {
			m.Total = uint32(d.uvarint())
		}
		m.Data = d.bytes()
		return m
	case KindDeclare:
		m := &Declare{Decl: DeclKind(d.byte())}
		f := d.byte()
		m.Undeclare, m.Reliable = f&flagA != 0, f&flagB != 0
		switch m.Decl {
		case DeclKeyExpr:
			m.ID = d.uvarint()
		case DeclSubscriber, DeclQueryable:
		default:
			d.fail("unknown declaration kind")
		}
		m.Key = d.keyRef()
		return m
	case KindPush:
		f := d.byte()
		m := &Push{Drop: f&flagA != 0}
		if f&flagD != 0 {
			m.SampleKind = routingtable.Delete
		}
		m.Key = d.keyRef()
		m.Encoding = d.string()
		m.Payload = d.bytes()
		m.Source = d.id()
		m.SourceSN = d.uvarint()
		if f&flagB != 0 {
			m.Timestamp = int64(d.uvarint())
		}
		if f&flagC != 0 {
			m.Attachment = d.attachment()
		}
		return m
	case KindQuery:
		f := d.byte()
		m := &Query{}
		m.ID = d.uvarint()
		m.Key = d.keyRef()
		m.Parameters = d.string()
		m.Consolidation = routingtable.Consolidation(d.byte())
		m.Timeout = d.millis()
		if f&flagA != 0 {
			enc := d.string()
			m.Value = &routingtable.Value{Encoding: routingtable.Encoding(enc), Payload: d.bytes()}
		}
		if f&flagB != 0 {
			m.Attachment = d.attachment()
		}
		m.Source = d.id()
		m.SourceSN = d.uvarint()
		return m
	case KindReply:
		f := d.byte()
		m := &Reply{Final: f&flagA != 0, TimedOut: f&flagB != 0, Err: f&flagC != 0}
		m.QueryID = d.uvarint()
		if f&flagD != 0 {
			bf := d.byte()
			b := &ReplyBody{}
			if bf&flagA != 0 {
				b.SampleKind = routingtable.Delete
			}
			b.Key = d.keyRef()
			b.Encoding = d.string()
			b.Payload = d.bytes()
			if bf&flagB != 0 {
				b.Timestamp = int64(d.uvarint())
			}
			if bf&flagC != 0 {
				b.Attachment = d.attachment()
			}
			m.Body = b
		}
		return m
	case KindLinkState:
		m := &LinkState{Origin: d.id(), Seq: d.uvarint()}
		n := d.count(16)
		for i := 0; i < n; i++ {
			m.Neighbors = append(m.Neighbors, d.id())
		}
		return m
	case KindScout:
		return &Scout{ID: d.id(), What: d.byte()}
	case KindHello:
		m := &Hello{ID: d.id(), Mode: peerlink.Mode(d.byte())}
		n := d.count(1)
		for i := 0; i < n; i++ {
			m.Endpoints = append(m.Endpoints, d.string())
		}
		return m
	default:
		d.fail(fmt.Sprintf("unknown kind 0x%02x", uint8(kind)))
		return nil
	}
}

func flags(bits ...bool) byte {
	var f byte
	for i, b := range bits {
		if b {
			f |= 1 << i
		}
	}
	return f
}

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) uvarint(v uint64) {
	var tmp [varint.MaxLenUvarint63]byte
	n := varint.PutUvarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) id(id peerlink.PeerID) {
	e.buf = append(e.buf, id[:]...)
}

func (e *encoder) keyRef(k KeyRef) {
	e.uvarint(k.Alias)
	e.string(k.Suffix)
}

func (e *encoder) attachment(a routingtable.Attachment) {
	e.uvarint(uint64(len(a)))
	for _, item := range a {
		e.bytes(item.Key)
		e.bytes(item.Value)
	}
}

// decoder reads fields from b. The first error sticks and turns every later
// read into a zero value.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s at offset %d", ErrMalformedMessage, reason, d.off)
	}
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.b) {
		d.fail("short buffer")
		return 0
	}
	b := d.b[d.off]
	d.off++
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.FromUvarint(d.b[d.off:])
	if err != nil {
		d.fail(err.Error())
		return 0
	}
	d.off += n
	return v
}

// millis reads a duration in milliseconds, saturating instead of
// overflowing.
func (d *decoder) millis() time.Duration {
	v := d.uvarint()
	if v > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v) * time.Millisecond
}

// count reads a length and rejects values that cannot fit in the rest of
// the buffer given the minimum size of one element.
func (d *decoder) count(minElem int) int {
	n := d.uvarint()
	if d.err != nil {
		return 0
	}
	if n > uint64(len(d.b)-d.off)/uint64(minElem) {
		d.fail("length exceeds buffer")
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	n := d.count(1)
	if d.err != nil {
		return nil
	}
	b := d.b[d.off : d.off+n : d.off+n]
	d.off += n
	return b
}

func (d *decoder) string() string {
	return string(d.bytes())
}

func (d *decoder) id() peerlink.PeerID {
	var id peerlink.PeerID
	if d.err != nil {
		return id
	}
	if len(d.b)-d.off < len(id) {
		d.fail("short peer id")
		return id
	}
	copy(id[:], d.b[d.off:])
	d.off += len(id)
	return id
}

func (d *decoder) keyRef() KeyRef {
	return KeyRef{Alias: d.uvarint(), Suffix: d.string()}
}

func (d *decoder) attachment() routingtable.Attachment {
	n := d.count(2)
	if n == 0 {
		return nil
	}
	a := make(routingtable.Attachment, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		a = append(a, routingtable.AttachmentItem{Key: d.bytes(), Value: d.bytes()})
	}
	return a
}
