package billing

import (
	"time"
)

const secondsPerHour = 3600.0

// Estimate converts a request duration into energy and cost at a fixed power
// draw. energyWh = watts * seconds / 3600 and cost = energyWh / 1000 * rate.
// Non-positive durations cost nothing.
func Estimate(durationSeconds, watts, ratePerKWh float64) (energyWh, cost float64) {
	if durationSeconds <= 0 {
		return 0, 0
	}
	energyWh = watts * durationSeconds / secondsPerHour
	cost = energyWh / 1000 * ratePerKWh
	return energyWh, cost
}

// Calculator binds Estimate to the configured power draw and electricity rate.
type Calculator struct {
	Watts      float64
	RatePerKWh float64
}

// NewCalculator creates a calculator for the given power draw and rate.
func NewCalculator(watts, ratePerKWh float64) *Calculator {
	return &Calculator{Watts: watts, RatePerKWh: ratePerKWh}
}

// Estimate returns the energy in watt-hours and the cost in dollars for d.
func (c *Calculator) Estimate(d time.Duration) (energyWh, cost float64) {
	return Estimate(d.Seconds(), c.Watts, c.RatePerKWh)
}
