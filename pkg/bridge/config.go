package bridge

// Config points at the data directory and the user-driven configuration
// files. Live reload only applies to the latter.
type Config struct {
	DataDir       string `json:"dataDir"`
	DevicesConfig string `json:"devicesConfig"`
}

// DevicesFile is the user-driven per-device configuration, stored at
// devices.yml.
type DevicesFile struct {
	// SamplingRates maps device addresses ("backend/id") to acquisition
	// rates in reports per second. Negative selects interrupt mode.
	SamplingRates map[string]int `yaml:"samplingRates"`
}
