// Command airsense ingests air-quality and weather observations, fuses them
// per city and hour, and serves short-range pollutant forecasts.
package main

func main() {
	Execute()
}
