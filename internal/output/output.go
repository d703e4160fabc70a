// Package output publishes completed measurements to external sinks.
package output

import "github.com/dkonigsberg/printalyzer-densitometer/internal/densitometer"

// Output is a measurement sink.
type Output interface {
	Publish(densitometer.Measurement) error
	Close() error
}
