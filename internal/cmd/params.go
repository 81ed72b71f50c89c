// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import "time"

const (
	maxConcurrency = 1000
	statsFrequency = 2 * time.Second
	logFrequency   = 30 * time.Second

	// exit statuses
	exitOK      = 0
	exitFailure = 1
)
