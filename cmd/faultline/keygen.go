package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"faultline/internal/auth"
)

// keygenCmd generates a project API key offline, for provisioning flows
// that insert the hash straight into the store instead of calling the
// rotate-key endpoint.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and its storable hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, preview, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Printf("key:     %s\n", key)
			fmt.Printf("hash:    %s\n", hash)
			fmt.Printf("preview: %s\n", preview)
			return nil
		},
	}
}
