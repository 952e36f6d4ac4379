// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

const defaultVersion = "dev"

// Populated at build time via -ldflags.
var (
	Version        = defaultVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}

	return versionCmd, nil
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("version")

		versionStr, err := versionString()
		if err != nil {
			log.Error(err, "Could not serialize version information")
			return err
		}

		fmt.Println(versionStr)
		return nil
	}
}

// LogVersion produces a command pre-run hook that records version and
// invocation details at debug verbosity.
func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		version, err := versionString()
		if err != nil {
			version = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", version,
		)
	}
}

func versionString() (string, error) {
	info := struct {
		Version        string `json:"version"`
		CommitHash     string `json:"commitHash,omitempty"`
		BuildTimestamp string `json:"buildTimestamp,omitempty"`
	}{
		Version:        Version,
		CommitHash:     CommitHash,
		BuildTimestamp: BuildTimestamp,
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
