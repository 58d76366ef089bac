package main

import (
	"log"
	"os"

	"github.com/spf13/viper"
)

// Build-time version metadata (set via -ldflags)
var (
	version   = "dev"
	commitSHA = "unknown"
	buildDate = "unknown"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.LUTC)

	// Optional config file; flags always win.
	viper.SetConfigName("cncli")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err == nil {
		log.Printf("Loaded config from %s", viper.ConfigFileUsed())
	}

	os.Exit(runCLI(os.Args[1:]))
}
