// Package signal computes the composite "market heat" signal that scales
// how hard the pipeline works on a job.
//
// Six indicators are each clamped to a valid range, normalized to 0-100 and
// combined with fixed weights. A missing indicator contributes its neutral
// value, so a job with no market data lands in the normal tier. The score
// selects a tier, and the tier sets the debate round count and the risk
// multipliers.
package signal
