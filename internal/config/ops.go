package config

// OpsConfig configures the optional status listener. An empty Addr
// disables it.
type OpsConfig struct {
	Addr string
}

func loadOpsConfig() OpsConfig {
	return OpsConfig{
		Addr: getEnv("OPS_ADDR", ""),
	}
}
