// ABOUTME: Core audio data types shared across the pipeline
// ABOUTME: Defines PCM stream formats and tagged audio packets
package audio

import "time"

// Format describes the PCM layout of one stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	ChLayout1  byte
	ChLayout2  byte
}

// Valid reports whether the format can describe real PCM.
// Bit depth must be a positive multiple of 8.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitDepth > 0 && f.BitDepth%8 == 0
}

// BytesPerFrame returns the size of one sample frame across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the PCM data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}

// SameStream reports whether two formats are interchangeable within
// one stream. A mismatch forces the stream's buffers to reset.
func (f Format) SameStream(o Format) bool {
	return f.SampleRate == o.SampleRate &&
		f.Channels == o.Channels &&
		f.BitDepth == o.BitDepth &&
		f.ChLayout1 == o.ChLayout1 &&
		f.ChLayout2 == o.ChLayout2
}

// TaggedPacket is one chunk of PCM attributed to a source. Packets
// move through the pipeline by value and are never shared.
type TaggedPacket struct {
	SourceTag    string
	Data         []byte
	Format       Format
	RTPTimestamp uint32
	RTPSequence  uint16
	HasRTP       bool // RTPTimestamp/RTPSequence carry real values
	SSRCs        []uint32
	ReceivedAt   time.Time
	PlaybackRate float64
	Sentinel     bool // end-of-stream marker, carries no audio
}

// DurationAt returns the playback duration of n PCM bytes in format f.
func DurationAt(f Format, n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
