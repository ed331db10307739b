package main

import (
	"os"

	rice "github.com/GeertJohan/go.rice"
	"github.com/pkg/errors"
)

const sampleConfig = "config.toml"

// sampleConfigBytes returns the sample configuration embedded in the binary
// (or found next to it in static/samples).
func sampleConfigBytes() ([]byte, error) {
	box, err := rice.FindBox("static/samples")
	if err != nil {
		return nil, errors.Wrap(err, "error locating static/samples")
	}
	b, err := box.Bytes(sampleConfig)
	if err != nil {
		return nil, errors.Wrap(err, "error reading sample config (is binary stuffed?)")
	}
	return b, nil
}

// newConfigFile writes the sample configuration to config.toml.
func newConfigFile() error {
	if _, err := os.Stat(sampleConfig); !os.IsNotExist(err) {
		return errors.New("config.toml exists. Remove it to generate a new one")
	}
	b, err := sampleConfigBytes()
	if err != nil {
		return err
	}
	return os.WriteFile(sampleConfig, b, 0644)
}
