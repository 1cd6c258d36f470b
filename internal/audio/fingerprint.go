package audio

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a reference clip by its samples. Clips that differ in
// any sample or in length get different fingerprints.
func Fingerprint(samples []float32) string {
	d := xxhash.New()
	var buf [4]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(s))
		_, _ = d.Write(buf[:])
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(len(samples)))
	_, _ = d.Write(buf[:])
	return strconv.FormatUint(d.Sum64(), 16)
}
