package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/nemosupremo/poolreg/pool"
)

// ErrFrameTooLarge is returned when a length-prefixed field is larger than
// the maximum allowed size.
var ErrFrameTooLarge = fmt.Errorf("frame: frame size exceeds maximum")

const DefaultMaxFrameSize = 16 << 20

// Decoder reads big-endian primitives. The first error sticks: every later
// read returns a zero value and Err reports the original failure.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
	err     error
	buf     [8]byte
}

// NewDecoder creates a Decoder over r. If r is already a *bufio.Reader it is
// used directly.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{r: br, maxSize: maxSize}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		d.fail(err)
		return nil
	}
	return d.buf[:n]
}

func (d *Decoder) Uint8() byte {
	if b := d.read(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Bool() bool {
	return d.Uint8() != 0
}

func (d *Decoder) Int32() int32 {
	if b := d.read(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (d *Decoder) Int64() int64 {
	if b := d.read(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

// Duration reads a millisecond count.
func (d *Decoder) Duration() time.Duration {
	return time.Duration(d.Int64()) * time.Millisecond
}

func (d *Decoder) length() (int, bool) {
	n := int(d.Int32())
	if d.err != nil {
		return 0, false
	}
	if n > d.maxSize {
		d.fail(ErrFrameTooLarge)
		return 0, false
	}
	return n, true
}

// Blob reads a length-prefixed byte slice; a length of -1 is nil.
func (d *Decoder) Blob() []byte {
	n, ok := d.length()
	if !ok || n == -1 {
		return nil
	}
	if n < -1 {
		d.fail(fmt.Errorf("negative blob length %d", n))
		return nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		d.fail(err)
		return nil
	}
	return data
}

// Text reads a length-prefixed string. Strings have no nil marker, so any
// negative length fails the decoder.
func (d *Decoder) Text() string {
	n, ok := d.length()
	if !ok {
		return ""
	}
	if n < 0 {
		d.fail(fmt.Errorf("negative string length %d", n))
		return ""
	}
	if n == 0 {
		return ""
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		d.fail(err)
		return ""
	}
	return string(data)
}

// Count reads a collection size and bounds it by the frame limit.
func (d *Decoder) Count() int {
	n, ok := d.length()
	if !ok {
		return 0
	}
	if n < 0 {
		d.fail(fmt.Errorf("negative count %d", n))
		return 0
	}
	return n
}

func (d *Decoder) Identity() pool.Identity {
	return pool.Identity{
		Pool:     d.Text(),
		ID:       d.Text(),
		Address:  d.Blob(),
		ImplData: d.Blob(),
		Location: d.Text(),
		Tag:      d.Blob(),
	}
}

func (d *Decoder) Identities() []pool.Identity {
	n := d.Count()
	var out []pool.Identity
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Identity())
	}
	return out
}

func (d *Decoder) Event() pool.Event {
	var e pool.Event
	e.Time = d.Int64()
	e.Type = pool.EventType(d.Uint8())
	if d.err == nil && !e.Type.Valid() {
		d.fail(fmt.Errorf("unknown event type %d", e.Type))
	}
	e.Description = d.Text()
	if d.Bool() {
		src := d.Identity()
		e.Source = &src
	}
	e.Subjects = d.Identities()
	return e
}

func (d *Decoder) Events() []pool.Event {
	n := d.Count()
	var out []pool.Event
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.Event())
	}
	return out
}

func (d *Decoder) Snapshot() pool.Snapshot {
	var s pool.Snapshot
	s.Time = d.Int64()
	s.MinTime = d.Int64()
	s.Members = d.Identities()
	n := d.Count()
	for i := 0; i < n && d.err == nil; i++ {
		s.Elections = append(s.Elections, pool.Election{
			Name:   d.Text(),
			Winner: d.Identity(),
			Event:  d.Event(),
		})
	}
	s.Events = d.Events()
	s.Closed = d.Bool()
	s.Terminated = d.Bool()
	return s
}

// Encoder buffers big-endian primitives. Like Decoder, the first error
// sticks and is returned by Flush.
type Encoder struct {
	w   *bufio.Writer
	err error
	buf [8]byte
}

func NewEncoder(w io.Writer) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &Encoder{w: bw}
}

func (e *Encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(b); err != nil {
		e.err = err
	}
}

func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	e.err = e.w.Flush()
	return e.err
}

func (e *Encoder) PutUint8(b byte) {
	e.buf[0] = b
	e.write(e.buf[:1])
}

func (e *Encoder) PutBool(b bool) {
	if b {
		e.PutUint8(1)
	} else {
		e.PutUint8(0)
	}
}

func (e *Encoder) PutInt32(v int32) {
	binary.BigEndian.PutUint32(e.buf[:4], uint32(v))
	e.write(e.buf[:4])
}

func (e *Encoder) PutInt64(v int64) {
	binary.BigEndian.PutUint64(e.buf[:8], uint64(v))
	e.write(e.buf[:8])
}

func (e *Encoder) PutDuration(v time.Duration) {
	e.PutInt64(int64(v / time.Millisecond))
}

func (e *Encoder) PutBlob(b []byte) {
	if b == nil {
		e.PutInt32(-1)
		return
	}
	e.PutInt32(int32(len(b)))
	e.write(b)
}

func (e *Encoder) PutText(s string) {
	e.PutInt32(int32(len(s)))
	e.write([]byte(s))
}

func (e *Encoder) PutCount(n int) {
	e.PutInt32(int32(n))
}

func (e *Encoder) PutIdentity(id pool.Identity) {
	e.PutText(id.Pool)
	e.PutText(id.ID)
	e.PutBlob(id.Address)
	e.PutBlob(id.ImplData)
	e.PutText(id.Location)
	e.PutBlob(id.Tag)
}

func (e *Encoder) PutIdentities(ids []pool.Identity) {
	e.PutCount(len(ids))
	for _, id := range ids {
		e.PutIdentity(id)
	}
}

func (e *Encoder) PutEvent(ev pool.Event) {
	e.PutInt64(ev.Time)
	e.PutUint8(byte(ev.Type))
	e.PutText(ev.Description)
	e.PutBool(ev.Source != nil)
	if ev.Source != nil {
		e.PutIdentity(*ev.Source)
	}
	e.PutIdentities(ev.Subjects)
}

func (e *Encoder) PutEvents(events []pool.Event) {
	e.PutCount(len(events))
	for _, ev := range events {
		e.PutEvent(ev)
	}
}

func (e *Encoder) PutSnapshot(s pool.Snapshot) {
	e.PutInt64(s.Time)
	e.PutInt64(s.MinTime)
	e.PutIdentities(s.Members)
	e.PutCount(len(s.Elections))
	for _, el := range s.Elections {
		e.PutText(el.Name)
		e.PutIdentity(el.Winner)
		e.PutEvent(el.Event)
	}
	e.PutEvents(s.Events)
	e.PutBool(s.Closed)
	e.PutBool(s.Terminated)
}
