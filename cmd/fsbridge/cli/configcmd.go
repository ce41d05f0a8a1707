package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/fsbridge/internal/credential"
)

// secretKey reports whether a config key holds a credential and must be
// encrypted at rest.
func secretKey(key string) bool {
	return strings.HasSuffix(key, "_api_key") || strings.HasSuffix(key, "_token")
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write stored settings",
	}
	cmd.AddCommand(newConfigSetCmd(opts), newConfigGetCmd(opts))
	return cmd
}

func newConfigSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting (keys ending in _api_key or _token are encrypted)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.store == nil {
				return fmt.Errorf("memory store unavailable")
			}

			key, value := args[0], args[1]
			if secretKey(key) {
				sealed, err := credential.NewManager("").Encrypt(value)
				if err != nil {
					return err
				}
				if err := a.store.SetConfig(cmd.Context(), key, sealed); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (encrypted)\n", key, credential.MaskSecret(value))
				return nil
			}

			if err := a.store.SetConfig(cmd.Context(), key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
			return nil
		},
	}
}

func newConfigGetCmd(opts *rootOptions) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a stored setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.store == nil {
				return fmt.Errorf("memory store unavailable")
			}

			key := args[0]
			value, err := a.store.GetConfig(cmd.Context(), key)
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("%s is not set", key)
			}

			if secretKey(key) {
				plain, err := credential.NewManager("").Decrypt(value)
				if err != nil {
					return fmt.Errorf("%s cannot be decrypted on this machine: %w", key, err)
				}
				if !show {
					plain = credential.MaskSecret(plain)
				}
				fmt.Fprintln(cmd.OutOrStdout(), plain)
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the decrypted secret instead of a masked form")
	return cmd
}
