package main

import "time"

// checkOptions are the flags of the check command
type checkOptions struct {
	// skipZero hides records measured at zero bytes
	skipZero bool
	// minSize hides records smaller than the quantity, e.g. 100Mi
	minSize string
	// sort is one of size, name, type
	sort    string
	timeout time.Duration
	workers int
	// quiet only prints the report, no progress
	quiet     bool
	noSummary bool
	noPath    bool
	// mounts additionally prints the mounted filesystems and their usage
	mounts bool
	// watch repeats the check every interval until interrupted
	watch    bool
	interval time.Duration
}

// serveOptions are the flags of the serve command
type serveOptions struct {
	listenAddress string
	refreshPeriod time.Duration
	timeout       time.Duration
	workers       int
}
