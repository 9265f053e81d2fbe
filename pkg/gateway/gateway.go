// Package gateway provides the public API for embedding the bridge.
package gateway

import (
	"github.com/larkbridge/larkbridge/internal/runtime"
)

// Gateway is the assembled service. See internal/runtime.Gateway.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithConfigFile("config.yaml"),
//	)
var New = runtime.New

var (
	WithConfigFile = runtime.WithConfigFile
	WithLogger     = runtime.WithLogger
)
