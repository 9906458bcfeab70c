package main

import (
	"math"
	"math/rand/v2"
	"time"

	"pricecast/internal/calendar"
	sqlitestore "pricecast/internal/store/sqlite"
)

const demoDays = 400

var defaultDemoSymbols = []string{"ACME", "GLOBX", "INITECH"}

// demoHistory generates a geometric random walk over the last days trading
// days up to end. Listing dates are staggered so later symbols have fewer
// days, which exercises the leading-gap handling of the history loader.
func demoHistory(cal *calendar.Calendar, symbols []string, days int, end time.Time, seed uint64) []sqlitestore.DailyClose {
	if seed == 0 {
		seed = uint64(end.UnixNano())
	}
	tradingDays := cal.Last(end, days)

	var out []sqlitestore.DailyClose
	for i, sym := range symbols {
		rng := rand.New(rand.NewPCG(seed, uint64(i)))
		listed := min(i*days/(len(symbols)*2), days-1)
		price := 20 + rng.Float64()*180
		drift := (rng.Float64() - 0.45) * 0.002
		for _, day := range tradingDays[listed:] {
			price *= math.Exp(drift + rng.NormFloat64()*0.015)
			out = append(out, sqlitestore.DailyClose{Symbol: sym, Day: day, Close: math.Round(price*100) / 100})
		}
	}
	return out
}
