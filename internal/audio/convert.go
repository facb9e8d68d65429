// ABOUTME: PCM sample width conversion helpers
// ABOUTME: Converts 24/32-bit little-endian streams to 16-bit for playback
package audio

// SampleFrom24Bit reconstructs a signed sample from 3 little-endian bytes.
func SampleFrom24Bit(b0, b1, b2 byte) int32 {
	val := int32(b0) | int32(b1)<<8 | int32(b2)<<16
	if val&0x800000 != 0 {
		val |= ^int32(0xFFFFFF) // sign extend
	}
	return val
}

// To16BitLE converts little-endian PCM of the given bit depth to
// 16-bit little-endian. 16-bit input is returned as-is. Unsupported
// depths return nil.
func To16BitLE(data []byte, bitDepth int) []byte {
	switch bitDepth {
	case 16:
		return data
	case 24:
		n := len(data) / 3
		out := make([]byte, n*2)
		for i := 0; i < n; i++ {
			s := SampleFrom24Bit(data[i*3], data[i*3+1], data[i*3+2]) >> 8
			out[i*2] = byte(s)
			out[i*2+1] = byte(s >> 8)
		}
		return out
	case 32:
		n := len(data) / 4
		out := make([]byte, n*2)
		for i := 0; i < n; i++ {
			s := int32(uint32(data[i*4]) | uint32(data[i*4+1])<<8 |
				uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24)
			s >>= 16
			out[i*2] = byte(s)
			out[i*2+1] = byte(s >> 8)
		}
		return out
	default:
		return nil
	}
}
