package main

import (
	"fmt"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and call the first participant who joins",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		code, err := s.o.CreateRoom(cmd.Context(), s.cfg.Name)
		if err != nil {
			return fmt.Errorf("cannot create room: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "room code: %s\n", code)
		s.logger.Info().Str("room", code).Msg("waiting for a participant")

		var peer model.UserJoined
		select {
		case peer = <-s.joined:
		case <-cmd.Context().Done():
			return nil
		case <-s.client.Done():
			return errRelayGone
		}
		if err = s.o.RequestCall(cmd.Context(), peer.ID); err != nil {
			return fmt.Errorf("cannot call %s: %w", peer.Name, err)
		}
		return s.wait(cmd.Context())
	},
}
