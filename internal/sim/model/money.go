package model

import (
	"fmt"
	"math"
)

// Ducats is a balance or price in hundredths of a ducat.
// Integer minor units keep solvency checks exact.
type Ducats int64

func DucatsFromFloat(f float64) Ducats {
	return Ducats(math.Round(f * 100))
}

func (d Ducats) Float() float64 { return float64(d) / 100 }

func (d Ducats) String() string {
	sign := ""
	v := int64(d)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Cost prices amount units at unit, rounded to the nearest hundredth.
func Cost(unit Ducats, amount float64) Ducats {
	if amount <= 0 || unit <= 0 {
		return 0
	}
	return Ducats(math.Round(float64(unit) * amount))
}
