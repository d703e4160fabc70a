// Package console prints measurements to standard output.
package console

import (
	"fmt"
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/internal/densitometer"
	"github.com/dkonigsberg/printalyzer-densitometer/internal/output"
)

type ConsoleOutput struct{}

func New() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(m densitometer.Measurement) error {
	fmt.Printf("%s mode=%s density=%.2f reading=%.6f\n",
		m.Timestamp.Format(time.RFC3339), m.Mode, m.Density, m.Reading)
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
