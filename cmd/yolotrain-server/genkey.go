package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/yolotrain/pkg/auth"
)

func newGenKeyCmd() *cobra.Command {
	var hashed bool
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an API key",
		Long: `Generate a random API key. With --hash the bcrypt hash is printed too;
put it in api_key_hashes to avoid storing the key itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			if hashed {
				hash, err := auth.HashAPIKey(key)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hash)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hashed, "hash", false, "also print the bcrypt hash")
	return cmd
}
