package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	lk "github.com/lowfold/parley/internal/adapters/livekit"
)

func tokenCmd() *cobra.Command {
	var (
		identity string
		name     string
		validFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a join token for the configured room",
		Long: `Generate a signed join token for the configured room, suitable for
handing to another device without sharing the API secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			transport := lk.NewTransport(lk.Config{
				APIKey:    cfg.LiveKit.APIKey,
				APISecret: cfg.LiveKit.APISecret,
			})

			if identity == "" {
				identity = cfg.LiveKit.Identity
			}
			token, err := transport.MintToken(cfg.LiveKit.Room, identity, name, validFor)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "participant identity (defaults to configured identity)")
	cmd.Flags().StringVar(&name, "name", "", "participant display name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 24*time.Hour, "token validity duration")
	return cmd
}
