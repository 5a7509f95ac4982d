package trading

// TargetFor resolves the profit target percent for a consensus of alphaCount
// distinct wallets. Counts beyond the table fall back to the ceiling, so the
// target grows monotonically with conviction and then flattens.
func TargetFor(alphaCount uint, table map[uint]float64, ceilingPct float64) float64 {
	if pct, ok := table[alphaCount]; ok {
		return pct
	}
	return ceilingPct
}
