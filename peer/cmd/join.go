package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-code>",
	Aliases: []string{"j"},
	Short:   "Join a room and answer the incoming call",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		code := strings.ToUpper(strings.TrimSpace(args[0]))
		if err = s.o.JoinRoom(cmd.Context(), s.cfg.Name, code); err != nil {
			return fmt.Errorf("cannot join room %s: %w", code, err)
		}
		s.logger.Info().Str("room", code).Msg("joined, waiting for the call")
		return s.wait(cmd.Context())
	},
}
