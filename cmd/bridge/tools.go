package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonearm/bridge/bridge/auth"
	"github.com/tonearm/bridge/bridge/identity"
)

// newIdentityCmd prints the stable server identity without starting
// the server.
func newIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the server id and relay room id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ident, err := identity.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			pub := ident.PublicIdentity()
			fmt.Printf("server id:   %s\n", pub.ServerID)
			fmt.Printf("server name: %s\n", pub.ServerName)
			fmt.Printf("room id:     %s\n", ident.RelayRoomID())
			return nil
		},
	}
}

// newPassphraseCmd shows or regenerates the pairing passphrase from
// the command line, for when the web UI is unreachable.
func newPassphraseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passphrase",
		Short: "Show the current access passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			creds, err := auth.OpenCredentials(cfg.DataDir)
			if err != nil {
				return err
			}
			if creds.UseCustom() {
				fmt.Println("a custom password is set; passphrase login is disabled")
				return nil
			}
			fmt.Println(creds.Passphrase())
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "regenerate",
		Short: "Replace the passphrase with a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			creds, err := auth.OpenCredentials(cfg.DataDir)
			if err != nil {
				return err
			}
			phrase, err := creds.Regenerate()
			if err != nil {
				return err
			}
			fmt.Println(phrase)
			return nil
		},
	})
	return cmd
}
