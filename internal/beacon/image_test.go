package beacon

import (
	"errors"
	"math"
	"testing"
)

func frame(w, h int) []uint16 { return make([]uint16, w*h) }

func fill(data []uint16, w, x0, y0, bw, bh int, v uint16) {
	for y := y0; y < y0+bh; y++ {
		for x := x0; x < x0+bw; x++ {
			data[y*w+x] = v
		}
	}
}

func mustImage(t *testing.T, data []uint16, area AOI) *Image {
	t.Helper()
	img, err := NewImage(data, area)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return img
}

func TestNewImage_RejectsMismatch(t *testing.T) {
	if _, err := NewImage(make([]uint16, 10), AOI{W: 3, H: 3}); !errors.Is(err, ErrBadFrame) {
		t.Errorf("err = %v, want ErrBadFrame", err)
	}
	if _, err := NewImage(nil, AOI{}); !errors.Is(err, ErrBadFrame) {
		t.Errorf("err = %v, want ErrBadFrame", err)
	}
	img := mustImage(t, frame(4, 3), AOI{W: 4, H: 3})
	if img.Size != 12 || img.Limits != DefaultLimits() {
		t.Errorf("size=%d limits=%+v", img.Size, img.Limits)
	}
}

func TestPerformPixelGrouping_SingleBlock(t *testing.T) {
	data := frame(10, 10)
	fill(data, 10, 3, 3, 3, 3, 1000)
	img := mustImage(t, data, AOI{W: 10, H: 10})

	n, err := img.PerformPixelGrouping(500)
	if err != nil {
		t.Fatalf("grouping: %v", err)
	}
	if n != 1 || len(img.Groups) != 1 {
		t.Fatalf("got %d groups, want 1", n)
	}
	g := img.Groups[0]
	if g.PixelCount != 9 || g.ValueMax != 1000 || g.ValueSum != 9000 {
		t.Errorf("group = %+v", g)
	}
	if g.X != 4 || g.Y != 4 {
		t.Errorf("centroid = (%v, %v), want (4, 4)", g.X, g.Y)
	}
}

func TestPerformPixelGrouping_AOIOffset(t *testing.T) {
	data := frame(10, 10)
	fill(data, 10, 3, 3, 3, 3, 1000)
	img := mustImage(t, data, AOI{X: 100, Y: 50, W: 10, H: 10})

	if _, err := img.PerformPixelGrouping(500); err != nil {
		t.Fatal(err)
	}
	if g := img.Groups[0]; g.X != 104 || g.Y != 54 {
		t.Errorf("centroid = (%v, %v), want (104, 54)", g.X, g.Y)
	}
}

func TestPerformPixelGrouping_WeightedCentroid(t *testing.T) {
	data := frame(10, 4)
	for x, v := range []uint16{100, 100, 100, 100, 500} {
		data[1*10+2+x] = v
	}
	img := mustImage(t, data, AOI{W: 10, H: 4})
	if _, err := img.PerformPixelGrouping(50); err != nil {
		t.Fatal(err)
	}
	g := img.Groups[0]
	if want := 4400.0 / 900.0; math.Abs(g.X-want) > 1e-9 || g.Y != 1 {
		t.Errorf("centroid = (%v, %v), want (%v, 1)", g.X, g.Y, want)
	}
}

func TestPerformPixelGrouping_DiagonalIsConnected(t *testing.T) {
	data := frame(8, 8)
	for i := 0; i < 6; i++ {
		data[i*8+i] = 900
	}
	img := mustImage(t, data, AOI{W: 8, H: 8})
	n, err := img.PerformPixelGrouping(100)
	if err != nil || n != 1 || img.Groups[0].PixelCount != 6 {
		t.Errorf("n=%d err=%v groups=%+v", n, err, img.Groups)
	}
}

func TestPerformPixelGrouping_DropsSmallGroups(t *testing.T) {
	data := frame(10, 10)
	fill(data, 10, 1, 1, 2, 2, 1000) // 4 pixels, below minimum
	img := mustImage(t, data, AOI{W: 10, H: 10})
	n, err := img.PerformPixelGrouping(500)
	if err != nil || n != 0 || len(img.Groups) != 0 {
		t.Errorf("n=%d err=%v", n, err)
	}
}

func TestPerformPixelGrouping_SortedByValueMax(t *testing.T) {
	data := frame(20, 10)
	fill(data, 20, 1, 1, 3, 3, 1000)
	fill(data, 20, 12, 5, 3, 3, 2000)
	img := mustImage(t, data, AOI{W: 20, H: 10})

	n, err := img.PerformPixelGrouping(500)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if img.Groups[0].ValueMax != 2000 || img.Groups[1].ValueMax != 1000 {
		t.Errorf("order = %d, %d", img.Groups[0].ValueMax, img.Groups[1].ValueMax)
	}
}

func TestPerformPixelGrouping_Failsafes(t *testing.T) {
	t.Run("active pixels", func(t *testing.T) {
		data := frame(10, 10)
		fill(data, 10, 3, 3, 3, 3, 1000)
		img := mustImage(t, data, AOI{W: 10, H: 10})
		img.Limits.MaxActivePixels = 8

		n, err := img.PerformPixelGrouping(500)
		if !errors.Is(err, ErrTooManyActivePixels) {
			t.Errorf("err = %v", err)
		}
		if n != 0 || len(img.Groups) != 0 {
			t.Errorf("groups left behind: %+v", img.Groups)
		}
	})

	t.Run("raw components count", func(t *testing.T) {
		// 100 isolated hot pixels: each is too small to keep, but the frame
		// is still too noisy to trust.
		data := frame(20, 20)
		for y := 0; y < 20; y += 2 {
			for x := 0; x < 20; x += 2 {
				data[y*20+x] = 1000
			}
		}
		img := mustImage(t, data, AOI{W: 20, H: 20})
		_, err := img.PerformPixelGrouping(500)
		if !errors.Is(err, ErrTooManyGroups) {
			t.Errorf("err = %v", err)
		}
		if len(img.Groups) != 0 {
			t.Errorf("groups left behind: %+v", img.Groups)
		}
	})

	t.Run("at cap", func(t *testing.T) {
		data := frame(20, 20)
		fill(data, 20, 0, 0, 3, 3, 1000)
		fill(data, 20, 10, 10, 3, 3, 1000)
		img := mustImage(t, data, AOI{W: 20, H: 20})
		img.Limits.MaxGroups = 2
		if n, err := img.PerformPixelGrouping(500); err != nil || n != 2 {
			t.Errorf("n=%d err=%v", n, err)
		}
	})
}

func TestAutoThresholdPeakToMax(t *testing.T) {
	newImg := func() *Image {
		data := frame(10, 10)
		for i := range data {
			data[i] = 100
		}
		fill(data, 10, 3, 3, 3, 3, 1000)
		return mustImage(t, data, AOI{W: 10, H: 10})
	}

	img := newImg()
	th := img.AutoThresholdPeakToMax(1.75)
	if img.HistPeak != 100 || img.HistBrightest != 1000 || img.HistMean != 181 {
		t.Errorf("stats peak=%d brightest=%d mean=%d", img.HistPeak, img.HistBrightest, img.HistMean)
	}
	if img.HistStdDev <= 0 {
		t.Errorf("std dev = %v", img.HistStdDev)
	}
	// 100 + 900/1.75 = 614.29
	if th != 614 || img.Threshold != 614 {
		t.Errorf("threshold = %d, want 614", th)
	}

	img = newImg()
	if th := img.AutoThresholdPeakToMax(0); th != 231 {
		t.Errorf("mean-only threshold = %d, want 231", th)
	}

	img = newImg()
	n, err := img.PerformPixelGrouping(0)
	if err != nil || n != 1 || img.Threshold != 614 {
		t.Errorf("auto grouping n=%d err=%v threshold=%d", n, err, img.Threshold)
	}
}

func TestAutoThreshold_FlatFrame(t *testing.T) {
	data := frame(5, 5)
	for i := range data {
		data[i] = 65530
	}
	img := mustImage(t, data, AOI{W: 5, H: 5})
	if th := img.AutoThresholdPeakToMax(1.75); th != math.MaxUint16 {
		t.Errorf("threshold = %d, want saturated", th)
	}
	if img.HistStdDev != 0 {
		t.Errorf("std dev = %v", img.HistStdDev)
	}
}

func TestApplyFastBlur(t *testing.T) {
	t.Run("point spreads to box", func(t *testing.T) {
		data := frame(11, 11)
		data[5*11+5] = 9000
		img := mustImage(t, data, AOI{W: 11, H: 11})
		img.ApplyFastBlur(1, 1)
		for y := 0; y < 11; y++ {
			for x := 0; x < 11; x++ {
				want := uint16(0)
				if x >= 4 && x <= 6 && y >= 4 && y <= 6 {
					want = 1000
				}
				if got := img.Data[y*11+x]; got != want {
					t.Fatalf("(%d,%d) = %d, want %d", x, y, got, want)
				}
			}
		}
	})

	t.Run("uniform unchanged", func(t *testing.T) {
		data := frame(7, 5)
		for i := range data {
			data[i] = 321
		}
		img := mustImage(t, data, AOI{W: 7, H: 5})
		img.ApplyFastBlur(2, 3)
		if len(img.Data) != 35 {
			t.Fatalf("len = %d", len(img.Data))
		}
		for i, v := range img.Data {
			if v != 321 {
				t.Fatalf("pixel %d = %d", i, v)
			}
		}
	})

	t.Run("zero radius is a no-op", func(t *testing.T) {
		data := frame(3, 3)
		data[4] = 7
		img := mustImage(t, data, AOI{W: 3, H: 3})
		img.ApplyFastBlur(0.2, 2)
		img.ApplyFastBlur(3, 0)
		if img.Data[4] != 7 || img.Data[0] != 0 {
			t.Errorf("data changed: %v", img.Data)
		}
	})

	t.Run("two passes keep peak centred", func(t *testing.T) {
		data := frame(15, 15)
		fill(data, 15, 6, 6, 3, 3, 3000)
		img := mustImage(t, data, AOI{W: 15, H: 15})
		img.ApplyFastBlur(1, 2)
		c := img.Data[7*15+7]
		for i, v := range img.Data {
			if v > c {
				t.Fatalf("pixel %d = %d exceeds centre %d", i, v, c)
			}
		}
	})
}

func TestHistogram(t *testing.T) {
	data := []uint16{0, 1, 65535, 32768}
	img := mustImage(t, data, AOI{W: 2, H: 2})
	bins := img.Histogram(2)
	if len(bins) != 2 || bins[0] != 2 || bins[1] != 2 {
		t.Errorf("bins = %v", bins)
	}
	if img.Histogram(0) != nil {
		t.Error("expected nil for zero bins")
	}
}
