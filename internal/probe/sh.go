package probe

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// SHCoefficients is the number of SH2 coefficients per colour channel.
const SHCoefficients = 9

// SHL2 is a second-order spherical-harmonics set indexed by [channel][coefficient].
type SHL2 [3][SHCoefficients]float32

const (
	l1Scale = 2.0
	l2Scale = 3.57770875
)

// ErrCodecRange is returned when a compressed coefficient leaves [0,1].
// It means the baker produced data the storage format cannot represent.
var ErrCodecRange = errors.New("probe: compressed SH coefficient out of range")

// SetL0 writes the DC term of all three channels.
func (sh *SHL2) SetL0(v mgl32.Vec3) {
	for rgb := 0; rgb < 3; rgb++ {
		sh[rgb][0] = v[rgb]
	}
}

// SetL1R writes the three linear terms of the red channel.
func (sh *SHL2) SetL1R(v mgl32.Vec3) { sh.setL1(0, v) }

// SetL1G writes the three linear terms of the green channel.
func (sh *SHL2) SetL1G(v mgl32.Vec3) { sh.setL1(1, v) }

// SetL1B writes the three linear terms of the blue channel.
func (sh *SHL2) SetL1B(v mgl32.Vec3) { sh.setL1(2, v) }

func (sh *SHL2) setL1(rgb int, v mgl32.Vec3) {
	sh[rgb][1] = v[0]
	sh[rgb][2] = v[1]
	sh[rgb][3] = v[2]
}

// SetCoefficient writes coefficient c of all three channels.
func (sh *SHL2) SetCoefficient(c int, v mgl32.Vec3) {
	for rgb := 0; rgb < 3; rgb++ {
		sh[rgb][c] = v[rgb]
	}
}

// L0 returns the DC term of each channel.
func (sh *SHL2) L0() mgl32.Vec3 {
	return mgl32.Vec3{sh[0][0], sh[1][0], sh[2][0]}
}

func coefficientScale(c int) float32 {
	if c <= 3 {
		return l1Scale
	}
	return l2Scale
}

// EncodeSH compresses raw radiance-domain coefficients into the storage layout.
//
// Every coefficient but the DC term is divided by L0*scale*2 and biased by 0.5 so it
// lands in [0,1]. Channels with a zero DC term are copied through. The result is
// repacked with L1 in (c3, c1, c2) order; L2 terms keep their slots.
func EncodeSH(raw SHL2) (SHL2, error) {
	shv := raw
	for rgb := 0; rgb < 3; rgb++ {
		l0 := raw[rgb][0]
		if l0 == 0 {
			continue
		}
		for c := 1; c < SHCoefficients; c++ {
			shv[rgb][c] = raw[rgb][c]/(l0*coefficientScale(c)*2) + 0.5
		}
		for c := 1; c < SHCoefficients; c++ {
			if v := shv[rgb][c]; v < 0 || v > 1 {
				return SHL2{}, fmt.Errorf("%w: channel %d coefficient %d = %g", ErrCodecRange, rgb, c, v)
			}
		}
	}

	var out SHL2
	out.SetL0(mgl32.Vec3{shv[0][0], shv[1][0], shv[2][0]})
	out.SetL1R(mgl32.Vec3{shv[0][3], shv[0][1], shv[0][2]})
	out.SetL1G(mgl32.Vec3{shv[1][3], shv[1][1], shv[1][2]})
	out.SetL1B(mgl32.Vec3{shv[2][3], shv[2][1], shv[2][2]})
	for c := 4; c < SHCoefficients; c++ {
		out.SetCoefficient(c, mgl32.Vec3{shv[0][c], shv[1][c], shv[2][c]})
	}
	return out, nil
}

// DecodeSH inverts EncodeSH.
func DecodeSH(stored SHL2) SHL2 {
	var raw SHL2
	for rgb := 0; rgb < 3; rgb++ {
		raw[rgb][0] = stored[rgb][0]
		raw[rgb][1] = stored[rgb][2]
		raw[rgb][2] = stored[rgb][3]
		raw[rgb][3] = stored[rgb][1]
		for c := 4; c < SHCoefficients; c++ {
			raw[rgb][c] = stored[rgb][c]
		}

		l0 := raw[rgb][0]
		if l0 == 0 {
			continue
		}
		for c := 1; c < SHCoefficients; c++ {
			raw[rgb][c] = (raw[rgb][c] - 0.5) * l0 * coefficientScale(c) * 2
		}
	}
	return raw
}
