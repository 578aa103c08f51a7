package window

import "strconv"

type watermarkKind uint8

const (
	kindInvalid watermarkKind = iota
	kindFlushAll
	kindValue
)

// Watermark tells the emitter how far event time has progressed.
// The zero value is Invalid.
type Watermark struct {
	kind watermarkKind
	ts   float64
}

// Invalid means the batch's latest timestamp is not trusted; nothing is emitted.
func Invalid() Watermark { return Watermark{kind: kindInvalid} }

// FlushAll forces every pending bucket out. Used once, at shutdown.
func FlushAll() Watermark { return Watermark{kind: kindFlushAll} }

// At is a trusted event-time watermark.
func At(ts float64) Watermark { return Watermark{kind: kindValue, ts: ts} }

func (w Watermark) IsInvalid() bool  { return w.kind == kindInvalid }
func (w Watermark) IsFlushAll() bool { return w.kind == kindFlushAll }

// Value returns the timestamp and true only for watermarks built with At.
func (w Watermark) Value() (float64, bool) {
	return w.ts, w.kind == kindValue
}

func (w Watermark) String() string {
	switch w.kind {
	case kindFlushAll:
		return "flush-all"
	case kindValue:
		return strconv.FormatFloat(w.ts, 'f', -1, 64)
	default:
		return "invalid"
	}
}
