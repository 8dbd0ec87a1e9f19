package beacon

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"
)

// FrameSource yields camera frames. Next returns io.EOF when the stream ends.
type FrameSource interface {
	Next(ctx context.Context) (*Image, error)
}

// RawReader reads back-to-back little-endian 16-bit frames of a fixed AOI,
// the format the camera driver streams.
type RawReader struct {
	r    io.Reader
	area AOI
	buf  []byte
}

// NewRawReader reads frames covering area from r.
func NewRawReader(r io.Reader, area AOI) (*RawReader, error) {
	if area.W <= 0 || area.H <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadFrame, area.W, area.H)
	}
	return &RawReader{r: r, area: area, buf: make([]byte, area.W*area.H*2)}, nil
}

// Next blocks until a full frame is read. A partial trailing frame is
// reported as io.ErrUnexpectedEOF.
func (rr *RawReader) Next(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rr.r, rr.buf); err != nil {
		return nil, err
	}
	data := make([]uint16, rr.area.W*rr.area.H)
	for i := range data {
		data[i] = binary.LittleEndian.Uint16(rr.buf[2*i:])
	}
	return NewImage(data, rr.area)
}

// EncodeRaw serialises pixels in the RawReader format.
func EncodeRaw(data []uint16) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// SyntheticSource renders a gaussian beacon spot over a noisy background.
type SyntheticSource struct {
	Area       AOI
	Background uint16
	Noise      float64
	Peak       uint16
	Sigma      float64

	mu     sync.Mutex
	spotX  float64
	spotY  float64
	rng    *rand.Rand
	frames int
}

// NewSyntheticSource centres the spot in area. The seed makes the noise
// reproducible.
func NewSyntheticSource(area AOI, seed uint64) *SyntheticSource {
	return &SyntheticSource{
		Area:       area,
		Background: 200,
		Noise:      8,
		Peak:       4000,
		Sigma:      2,
		spotX:      float64(area.X) + float64(area.W)/2,
		spotY:      float64(area.Y) + float64(area.H)/2,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetSpot moves the spot to full-frame coordinates (x, y).
func (s *SyntheticSource) SetSpot(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spotX, s.spotY = x, y
}

// Spot returns the current spot position.
func (s *SyntheticSource) Spot() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spotX, s.spotY
}

// Frames returns the number of frames rendered.
func (s *SyntheticSource) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *SyntheticSource) Next(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++

	a := s.Area
	data := make([]uint16, a.W*a.H)
	twoSigma2 := 2 * s.Sigma * s.Sigma
	for y := 0; y < a.H; y++ {
		dy := float64(a.Y+y) - s.spotY
		for x := 0; x < a.W; x++ {
			dx := float64(a.X+x) - s.spotX
			v := float64(s.Background) + s.rng.NormFloat64()*s.Noise
			if twoSigma2 > 0 {
				v += float64(s.Peak) * math.Exp(-(dx*dx+dy*dy)/twoSigma2)
			}
			data[y*a.W+x] = uint16(math.Max(0, math.Min(v, math.MaxUint16)))
		}
	}
	return NewImage(data, a)
}
