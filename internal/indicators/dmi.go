package indicators

import "math"

// DMI computes DI+ and DI- with Wilder smoothing (alpha = 1/period).
type DMI struct {
	alpha     float64
	seeded    bool
	prevHigh  float64
	prevLow   float64
	prevClose float64
	tr        float64
	plusDM    float64
	minusDM   float64
}

// NewDMI creates a DMI over period bars.
func NewDMI(period int) *DMI {
	if period <= 0 {
		period = 14
	}
	return &DMI{alpha: 1.0 / float64(period)}
}

// Update folds a bar and returns DI+ and DI-. Both are zero until a second
// bar has been seen.
func (d *DMI) Update(high, low, close float64) (plus, minus float64) {
	if !d.seeded {
		d.prevHigh, d.prevLow, d.prevClose = high, low, close
		d.seeded = true
		return 0, 0
	}
	up := high - d.prevHigh
	dn := d.prevLow - low
	var pdm, mdm float64
	if up > dn && up > 0 {
		pdm = up
	}
	if dn > up && dn > 0 {
		mdm = dn
	}
	tr := math.Max(high-low, math.Max(math.Abs(high-d.prevClose), math.Abs(low-d.prevClose)))

	d.tr += d.alpha * (tr - d.tr)
	d.plusDM += d.alpha * (pdm - d.plusDM)
	d.minusDM += d.alpha * (mdm - d.minusDM)
	d.prevHigh, d.prevLow, d.prevClose = high, low, close

	return d.Values()
}

// Values returns the current DI+ and DI-.
func (d *DMI) Values() (plus, minus float64) {
	if d.tr == 0 {
		return 0, 0
	}
	return 100 * d.plusDM / d.tr, 100 * d.minusDM / d.tr
}
