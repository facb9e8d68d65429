// ABOUTME: float64 bit packing for atomic playback-rate storage
package timeshift

import "math"

func toBits(f float64) uint64   { return math.Float64bits(f) }
func fromBits(b uint64) float64 { return math.Float64frombits(b) }
