package beacon

import "fmt"

// ProcessOptions tunes the per-frame pipeline.
type ProcessOptions struct {
	BlurRadius float64
	BlurPasses int
	// Fraction is passed to AutoThresholdPeakToMax. Zero means mean plus
	// safety offset only.
	Fraction float64
	Limits   Limits
}

// DefaultProcessOptions matches the flight camera settings.
func DefaultProcessOptions() ProcessOptions {
	return ProcessOptions{
		BlurRadius: 1,
		BlurPasses: DefaultBlurPasses,
		Fraction:   DefaultThresholdFraction,
		Limits:     DefaultLimits(),
	}
}

// Result summarises one processed frame.
type Result struct {
	Threshold     uint16  `json:"threshold"`
	HistBrightest uint16  `json:"hist_brightest"`
	HistPeak      uint16  `json:"hist_peak"`
	HistMean      uint16  `json:"hist_mean"`
	HistStdDev    float64 `json:"hist_std_dev"`
	Groups        []Group `json:"groups"`
}

// Best returns the brightest group.
func (r Result) Best() (Group, bool) {
	if len(r.Groups) == 0 {
		return Group{}, false
	}
	return r.Groups[0], true
}

// Process blurs, thresholds and groups img in place. On a failsafe abort the
// histogram statistics are still reported alongside the error.
func Process(img *Image, opts ProcessOptions) (Result, error) {
	if opts.Limits != (Limits{}) {
		img.Limits = opts.Limits
	}
	img.ApplyFastBlur(opts.BlurRadius, opts.BlurPasses)
	threshold := img.AutoThresholdPeakToMax(opts.Fraction)
	_, err := img.PerformPixelGrouping(threshold)

	res := Result{
		Threshold:     img.Threshold,
		HistBrightest: img.HistBrightest,
		HistPeak:      img.HistPeak,
		HistMean:      img.HistMean,
		HistStdDev:    img.HistStdDev,
		Groups:        img.Groups,
	}
	if err != nil {
		return res, fmt.Errorf("process frame: %w", err)
	}
	return res, nil
}
