package features

import "futures-core/internal/market"

// DepthImbalance is (bid-ask)/(bid+ask) over all visible levels.
func DepthImbalance(d market.DepthUpdate) float64 {
	var bid, ask float64
	for _, l := range d.Bids {
		bid += l.Size
	}
	for _, l := range d.Asks {
		ask += l.Size
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// DepthSlope weights each level's size by its 1-based distance from the
// touch, so liquidity stacked deeper counts more.
func DepthSlope(d market.DepthUpdate) float64 {
	var bid, ask float64
	for i, l := range d.Bids {
		bid += l.Size * float64(i+1)
	}
	for i, l := range d.Asks {
		ask += l.Size * float64(i+1)
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}
