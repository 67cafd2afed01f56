package scheduler

// Package scheduler provides the maintenance jobs for the market data
// service. It handles:
// - Metric gauge refreshes
// - Redis price history pruning
// - Raw data retention purges
//
// The main scheduler is implemented in jobs.go
