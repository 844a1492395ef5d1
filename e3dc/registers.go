package e3dc

// Modbus register map of the home power plant (0-based holding register
// offsets, unit id 1). The 32 bit values are split over two registers with
// the least significant word first.
const (
	UnitID = 1

	regPVPower      = 67 // INT32, watts
	regBatteryPower = 69 // INT32, watts, negative = discharging
	regHousePower   = 71 // INT32, watts, includes the wallbox
	regGridPower    = 73 // INT32, watts, negative = export
	regAutarky      = 81 // UINT16, high byte autarky %, low byte self consumption %
	regBatterySoc   = 82 // UINT16, percent

	// the power values are one contiguous block, the percentages another
	powerBlockStart = regPVPower
	powerBlockLen   = 8
	socBlockStart   = regAutarky
	socBlockLen     = 2
)

// ParseInt32 combines the least and most significant words of a 32 bit
// register pair into a signed integer.
func ParseInt32(low, high uint16) int32 {
	return int32(uint32(high)<<16 | uint32(low))
}

// splitPercentPair unpacks the autarky/self-consumption register: high byte
// autarky, low byte self consumption.
func splitPercentPair(val uint16) (autarky, selfConsumption float64) {
	return float64(val >> 8), float64(val & 0xFF)
}
