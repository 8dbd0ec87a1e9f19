// Package beacon finds candidate beacon spots in raw 16-bit camera frames.
//
// A frame is smoothed, thresholded from its own histogram and split into
// 8-connected groups of active pixels. Each group reports an
// intensity-weighted centroid in full-frame coordinates. Frames that are
// implausibly bright or noisy are abandoned whole rather than partially
// grouped.
package beacon

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	MAX_GROUPS              = 50     // Failsafe - max allowed pixel groups to process
	MAX_ACTIVE_PIXELS       = 100000 // Failsafe - max allowed active pixels in frame
	MIN_PIXELS_PER_GROUP    = 5      // Failsafe - minimum, in order to avoid grouping potential hot pixels
	THRESHOLD_SAFETY_OFFSET = 50     // Offset to add to histogram mean for thresholding

	DefaultThresholdFraction = 1.75
	DefaultBlurPasses        = 2
)

var (
	ErrTooManyActivePixels = errors.New("beacon: active pixel count exceeds failsafe")
	ErrTooManyGroups       = errors.New("beacon: pixel group count exceeds failsafe")
	ErrBadFrame            = errors.New("beacon: frame does not match area of interest")
)

// AOI is the area of interest: the frame window the pixel buffer covers,
// offset within the full sensor.
type AOI struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Limits are the grouping failsafes.
type Limits struct {
	MaxGroups         int `json:"max_groups"`
	MaxActivePixels   int `json:"max_active_pixels"`
	MinPixelsPerGroup int `json:"min_pixels_per_group"`
	SafetyOffset      int `json:"safety_offset"`
}

// DefaultLimits returns the flight failsafes.
func DefaultLimits() Limits {
	return Limits{
		MaxGroups:         MAX_GROUPS,
		MaxActivePixels:   MAX_ACTIVE_PIXELS,
		MinPixelsPerGroup: MIN_PIXELS_PER_GROUP,
		SafetyOffset:      THRESHOLD_SAFETY_OFFSET,
	}
}

// Group is a connected blob of active pixels.
type Group struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ValueMax   uint16  `json:"value_max"`
	ValueSum   uint64  `json:"value_sum"`
	PixelCount int     `json:"pixel_count"`
}

// Image is one frame being processed. Data is row-major, Area.W by Area.H.
type Image struct {
	Data   []uint16
	Area   AOI
	Size   int
	Limits Limits

	HistBrightest uint16
	HistPeak      uint16
	HistMean      uint16
	HistStdDev    float64
	Threshold     uint16

	// Groups is ordered brightest first.
	Groups []Group
}

// NewImage wraps data covering area. The buffer is used in place.
func NewImage(data []uint16, area AOI) (*Image, error) {
	if area.W <= 0 || area.H <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadFrame, area.W, area.H)
	}
	if len(data) != area.W*area.H {
		return nil, fmt.Errorf("%w: %d pixels for %dx%d", ErrBadFrame, len(data), area.W, area.H)
	}
	return &Image{
		Data:   data,
		Area:   area,
		Size:   len(data),
		Limits: DefaultLimits(),
	}, nil
}

// ApplyFastBlur smooths the frame with passes of a separable box filter of
// half-width radius. Each pass reads the previous buffer and writes a fresh
// one; window edges are clamped to the frame.
func (img *Image) ApplyFastBlur(radius float64, passes int) {
	r := int(math.Round(radius))
	if r < 1 || passes < 1 {
		return
	}
	w, h := img.Area.W, img.Area.H
	src := img.Data
	tmp := make([]uint16, len(src))
	dst := make([]uint16, len(src))

	for p := 0; p < passes; p++ {
		// horizontal: src -> tmp
		for y := 0; y < h; y++ {
			row := y * w
			boxLine(src[row:row+w], tmp[row:row+w], 1, w, r)
		}
		// vertical: tmp -> dst
		for x := 0; x < w; x++ {
			boxLine(tmp[x:], dst[x:], w, h, r)
		}
		src, dst = dst, src
		if p == 0 {
			// never write back into the caller's buffer mid-pass
			dst = make([]uint16, len(src))
		}
	}
	copy(img.Data, src)
}

// boxLine averages n samples spaced stride apart over a window of +-r using a
// running sum.
func boxLine(in, out []uint16, stride, n, r int) {
	var sum uint64
	hi := min(r, n-1)
	for i := 0; i <= hi; i++ {
		sum += uint64(in[i*stride])
	}
	for i := 0; i < n; i++ {
		lo := max(i-r, 0)
		hi := min(i+r, n-1)
		out[i*stride] = uint16((sum + uint64(hi-lo+1)/2) / uint64(hi-lo+1))
		if i-r >= 0 {
			sum -= uint64(in[(i-r)*stride])
		}
		if i+r+1 < n {
			sum += uint64(in[(i+r+1)*stride])
		}
	}
}

// AutoThresholdPeakToMax computes the histogram statistics and picks a
// threshold: the histogram mean plus the safety offset, or, when fraction is
// positive, the point 1/fraction of the way from the histogram peak to the
// brightest pixel if that is higher.
func (img *Image) AutoThresholdPeakToMax(fraction float64) uint16 {
	var hist [65536]uint32
	for _, v := range img.Data {
		hist[v]++
	}

	values := make([]float64, 0, 1024)
	weights := make([]float64, 0, 1024)
	var peakCount uint32
	var peak, brightest int
	for v, n := range hist {
		if n == 0 {
			continue
		}
		values = append(values, float64(v))
		weights = append(weights, float64(n))
		if n > peakCount {
			peakCount = n
			peak = v
		}
		brightest = v
	}
	mean, std := stat.MeanStdDev(values, weights)
	if len(values) == 1 {
		std = 0
	}

	img.HistPeak = uint16(peak)
	img.HistBrightest = uint16(brightest)
	img.HistMean = uint16(math.Round(mean))
	img.HistStdDev = std

	threshold := float64(img.HistMean) + float64(img.Limits.SafetyOffset)
	if fraction > 0 {
		scaled := float64(peak) + float64(brightest-peak)/fraction
		threshold = math.Max(threshold, math.Round(scaled))
	}
	img.Threshold = uint16(math.Min(threshold, math.MaxUint16))
	return img.Threshold
}

// PerformPixelGrouping groups pixels at or above threshold into 8-connected
// blobs and returns the number of groups kept. A threshold of zero runs
// AutoThresholdPeakToMax with the default fraction first. When a failsafe
// trips the frame is abandoned: Groups is empty and the error says which.
func (img *Image) PerformPixelGrouping(threshold uint16) (int, error) {
	img.Groups = nil
	if threshold == 0 {
		threshold = img.AutoThresholdPeakToMax(DefaultThresholdFraction)
	}
	lim := img.Limits

	active := 0
	for _, v := range img.Data {
		if v >= threshold {
			active++
		}
	}
	if active > lim.MaxActivePixels {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyActivePixels, active, lim.MaxActivePixels)
	}
	if active == 0 {
		return 0, nil
	}

	w, h := img.Area.W, img.Area.H
	visited := make([]bool, len(img.Data))
	queue := make([]int, 0, 64)
	var groups []Group
	components := 0

	for start, v := range img.Data {
		if v < threshold || visited[start] {
			continue
		}
		components++
		if components > lim.MaxGroups {
			return 0, fmt.Errorf("%w: more than %d", ErrTooManyGroups, lim.MaxGroups)
		}

		var g Group
		var sx, sy, sw float64
		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			px, py := i%w, i/w
			val := img.Data[i]

			g.PixelCount++
			g.ValueSum += uint64(val)
			g.ValueMax = max(g.ValueMax, val)
			fx := float64(img.Area.X + px)
			fy := float64(img.Area.Y + py)
			sx += fx * float64(val)
			sy += fy * float64(val)
			sw += float64(val)

			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					j := ny*w + nx
					if !visited[j] && img.Data[j] >= threshold {
						visited[j] = true
						queue = append(queue, j)
					}
				}
			}
		}

		if g.PixelCount < lim.MinPixelsPerGroup {
			continue
		}
		if sw > 0 {
			g.X, g.Y = sx/sw, sy/sw
		}
		groups = append(groups, g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].ValueMax > groups[j].ValueMax
	})
	img.Groups = groups
	return len(groups), nil
}

// Histogram bins the frame's intensities into n equal-width bins over the
// full 16-bit range.
func (img *Image) Histogram(n int) []float64 {
	if n <= 0 {
		return nil
	}
	bins := make([]float64, n)
	width := math.Ceil(65536 / float64(n))
	for _, v := range img.Data {
		bins[min(int(float64(v)/width), n-1)]++
	}
	return bins
}
