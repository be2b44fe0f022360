package positioning

// SignalReading is one observed beacon transmission.
type SignalReading struct {
	BeaconID string
	RSSI     int16
}

// WeightedAnchor is a solver input row: an anchor position, the modelled
// distance to it, and the reliability weight of the reading.
type WeightedAnchor struct {
	X        float64
	Y        float64
	Z        float64
	Distance float64
	Weight   float64
}

// epsWeight keeps the proximity weight finite for degenerate (near-zero)
// distances.
const epsWeight = 1e-6

// bindReadings joins readings against a registry snapshot. Readings whose
// beacon id is not registered are dropped. The basic algorithm treats all
// anchors alike; the weighted and least-squares algorithms favour nearby
// anchors, whose RSSI is empirically more reliable.
func bindReadings(snap *Snapshot, model RSSIModel, readings []SignalReading, uniform bool) []WeightedAnchor {
	rows := make([]WeightedAnchor, 0, len(readings))
	for _, reading := range readings {
		anchor, ok := snap.Lookup(reading.BeaconID)
		if !ok {
			continue
		}
		d := model.DistanceOf(reading.RSSI)
		w := 1.0
		if !uniform {
			w = 1.0 / (d*d + epsWeight)
		}
		rows = append(rows, WeightedAnchor{
			X:        anchor.X,
			Y:        anchor.Y,
			Z:        anchor.Z,
			Distance: d,
			Weight:   w,
		})
	}
	return rows
}
