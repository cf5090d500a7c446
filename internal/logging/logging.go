// Package logging configures the process-wide zerolog logger.
//
// Every package logs through github.com/rs/zerolog/log. This package only
// decides where the output goes, how it is rendered ("json" or "console")
// and which level is enabled.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// InitLogging configures the global logger to write to stderr, keeping
// stdout free for command output and the MCP stdio transport.
func InitLogging(level, format string) {
	InitLoggingTo(os.Stderr, level, format)
}

// InitLoggingTo is InitLogging with an explicit destination.
func InitLoggingTo(w io.Writer, level, format string) {
	log.Logger = zerolog.New(formatWriter(w, format)).With().Timestamp().Logger()
	SetLevel(level)
}

func formatWriter(w io.Writer, format string) io.Writer {
	if strings.EqualFold(format, "json") {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
}

// ParseLevel maps a level name to a zerolog level. "warning" is accepted
// for "warn" and an empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// SetLevel sets the global level. Unknown names fall back to info.
func SetLevel(name string) {
	lvl, err := ParseLevel(name)
	zerolog.SetGlobalLevel(lvl)
	if err != nil {
		log.Warn().Err(err).Msg("Using info level")
	}
}

// SetLevelFromCmd applies the --log-level flag when the user set it.
func SetLevelFromCmd(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		SetLevel(f.Value.String())
	}
}
