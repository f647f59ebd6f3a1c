package weather

import "strings"

const (
	FlagTempOutOfRange  = "temp_out_of_range"
	FlagHumidityInvalid = "humidity_invalid"
	FlagPrecipNegative  = "precip_negative"
)

// Validate returns quality flags for values no real observation produces.
func Validate(c *Conditions) []string {
	var flags []string

	if c.Temperature < -90 || c.Temperature > 60 {
		flags = append(flags, FlagTempOutOfRange)
	}
	if c.Humidity < 0 || c.Humidity > 100 {
		flags = append(flags, FlagHumidityInvalid)
	}
	if c.Rainfall < 0 {
		flags = append(flags, FlagPrecipNegative)
	}

	return flags
}

func flagList(flags []string) string {
	return strings.Join(flags, ", ")
}
