package main

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type CodecCommandTestSuite struct {
	CommandTestSuite
}

func TestCodecCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CodecCommandTestSuite))
}

func (s *CodecCommandTestSuite) TestDecode() {
	// GOAL: Verify decode prints the payload the bridge would publish

	tests := []struct {
		name  string
		args  []string
		out   string
		notes string
	}{
		{"typed", []string{"decode", "--types", "boolean,uint16", "01 DC 05"}, "true,1500\n", ""},
		{"single byte", []string{"decode", "-t", "uint8", "2a"}, "42\n", ""},
		{"untyped", []string{"decode", "01:02:ff"}, "1,2,255\n", ""},
		{"remainder", []string{"decode", "-t", "uint8", "010203"}, "1,2,3\n", "2 trailing byte(s)"},
		{"sfloat", []string{"decode", "-t", "SFLOAT", "FFF0"}, "25.5\n", ""},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			stdout, stderr, err := s.ExecuteCommand(tt.args...)
			s.Require().NoError(err)
			s.Equal(tt.out, stdout)
			if tt.notes != "" {
				s.Contains(stderr, tt.notes)
			}
		})
	}
}

func (s *CodecCommandTestSuite) TestEncode() {
	tests := []struct {
		name string
		args []string
		out  string
	}{
		{"width from values", []string{"encode", "--types", "boolean,uint16", "true,1500"}, "01 DC 05\n"},
		{"padded length", []string{"encode", "-t", "uint8", "-l", "3", "7"}, "07 00 00\n"},
		{"string", []string{"encode", "-t", "utf8s", `"hi"`}, "68 69\n"},
		{"float", []string{"encode", "-t", "FLOAT", "36.5"}, "6D 01 00 FF\n"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			stdout, _, err := s.ExecuteCommand(tt.args...)
			s.Require().NoError(err)
			s.Equal(tt.out, stdout)
		})
	}
}

func (s *CodecCommandTestSuite) TestErrors() {
	_, _, err := s.ExecuteCommand("decode", "zz")
	s.ErrorContains(err, "invalid hex bytes")

	s.SetupTest()
	_, _, err = s.ExecuteCommand("encode", "1")
	s.ErrorContains(err, "--types is required")

	s.SetupTest()
	_, _, err = s.ExecuteCommand("encode", "-t", "uint8", "[1]")
	s.Error(err)

	s.SetupTest()
	_, _, err = s.ExecuteCommand("--log-level", "loud", "decode", "01")
	s.ErrorContains(err, "invalid log level")
}
