package main

import (
	"flag"
	"log/slog"
	"os"
)

type flags struct {
	recipesDir         string
	managedStoragePath string
	resourcePrefix     string
	logLevel           slog.Level
}

func loadFlags(logger *slog.Logger) flags {
	recipesDir := flag.String("recipesDir", "", "required: Directory with app recipe files")
	managedStoragePath := flag.String("managedStoragePath", "tmp", "Path to a directory where Slipway will store data")
	resourcePrefix := flag.String("resourcePrefix", "slipway_", "Prefix for names of managed images and containers")
	logLevelRaw := flag.String("logLevel", "info", "Log level: debug, info, warn or error")

	flag.Parse()

	// Checking required flags
	if *recipesDir == "" {
		logger.Error("Flag 'recipesDir' is required")
		os.Exit(1)
	}
	if *managedStoragePath == "" {
		logger.Error("Flag 'managedStoragePath' is required")
		os.Exit(1)
	}

	var logLevel slog.Level
	err := logLevel.UnmarshalText([]byte(*logLevelRaw))
	if err != nil {
		logger.Error("Flag 'logLevel' is invalid", "err", err)
		os.Exit(1)
	}

	return flags{
		recipesDir:         *recipesDir,
		managedStoragePath: *managedStoragePath,
		resourcePrefix:     *resourcePrefix,
		logLevel:           logLevel,
	}
}
