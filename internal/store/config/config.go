package config

// Config selects the ledger backend. An empty DBDsn keeps everything in memory.
type Config struct {
	DBDsn string
}
