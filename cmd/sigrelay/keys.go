package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
)

func newKeygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a relay key and print its peer id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s exists, use --force to overwrite", out)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			keys, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := keys.Save(out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keys.ID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "sigrelay.key", "key file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func newIDCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "print the peer id of a key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := identity.Load(keyFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keys.ID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyFile, "key-file", "k", "sigrelay.key", "key file to read")
	return cmd
}
