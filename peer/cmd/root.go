package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/webrtc-vidmeet/peer/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagServer       string
	flagName         string
	flagSTUN         []string
	flagTURN         string
	flagTURNUser     string
	flagTURNPass     string
	flagRelayOnly    bool
	flagRestartGrace time.Duration
	flagLogLevel     string
	flagPionLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "vidmeet-peer",
	Short: "Headless VidMeet participant",
	Long: `vidmeet-peer joins VidMeet rooms from the command line. It signals through
the VidMeet relay and streams a silent audio track to the remote participant.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagServer, "server", "s", "", "signaling relay websocket URL (env VIDMEET_SERVER)")
	pf.StringVarP(&flagName, "name", "n", "", "display name (env VIDMEET_NAME)")
	pf.StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs (env VIDMEET_STUN)")
	pf.StringVar(&flagTURN, "turn", "", "TURN server URL (env VIDMEET_TURN)")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username (env VIDMEET_TURN_USER)")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env VIDMEET_TURN_PASS)")
	pf.BoolVar(&flagRelayOnly, "relay-only", false, "use relayed candidates only (env VIDMEET_RELAY_ONLY)")
	pf.DurationVar(&flagRestartGrace, "restart-grace", 0, "how long an ICE restart may take (env VIDMEET_RESTART_GRACE)")
	pf.StringVarP(&flagLogLevel, "log-level", "l", "info", "log level")
	pf.StringVar(&flagPionLogLevel, "pion-log-level", "warn", "log level of the media stack")

	rootCmd.AddCommand(createCmd, joinCmd)
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
		logger.Error().Err(err).Msg("vidmeet-peer failed")
		cancel()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		Server:       flagServer,
		Name:         flagName,
		STUNServers:  flagSTUN,
		TURNServer:   flagTURN,
		TURNUser:     flagTURNUser,
		TURNPass:     flagTURNPass,
		RelayOnly:    flagRelayOnly,
		RestartGrace: flagRestartGrace,
	})
}

func newLogger() (zerolog.Logger, zerolog.Level, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return logger, zerolog.NoLevel, err
	}
	pionLvl, err := zerolog.ParseLevel(flagPionLogLevel)
	if err != nil {
		return logger, zerolog.NoLevel, err
	}
	return logger.Level(lvl), pionLvl, nil
}
