package main

import (
	"bytes"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs commands through the root command with captured output.
type CommandTestSuite struct {
	suite.Suite
}

// SetupTest restores flag values a previous test may have changed.
func (s *CommandTestSuite) SetupTest() {
	codecTypes = ""
	codecLength = 0
	for _, name := range []string{"config", "log-level"} {
		s.Require().NoError(rootCmd.PersistentFlags().Set(name, ""))
	}
	s.Require().NoError(rootCmd.PersistentFlags().Set("verbose", "false"))
}

// ExecuteCommand runs rootCmd with args and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	_, err := rootCmd.ExecuteC()
	return stdout.String(), stderr.String(), err
}

// newFlagCommand builds a throwaway command carrying the root's persistent flags.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringP("config", "c", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().BoolP("verbose", "V", false, "")
	return cmd
}
