package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/developingchet/fwconsole/internal/config"
	"github.com/developingchet/fwconsole/internal/storage"
	"github.com/spf13/cobra"
)

// profileCmd manages saved device connection profiles.
func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved device connection profiles",
	}
	cmd.AddCommand(profileAddCmd(), profileListCmd(), profileDeleteCmd(), profileDefaultCmd())
	return cmd
}

// withStore opens the profile database for the duration of fn.
func withStore(fn func(storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func profileAddCmd() *cobra.Command {
	var p storage.Profile
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create or replace a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Name = args[0]
			return withStore(func(s storage.Store) error {
				if err := s.PutProfile(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "profile %q saved\n", p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&p.URL, "url", "", "device base URL (http:// or https://)")
	cmd.Flags().IntVar(&p.Port, "port", 0, "override the URL port")
	cmd.Flags().StringVar(&p.APIKey, "api-key", "", "API key")
	cmd.Flags().StringVar(&p.APISecret, "api-secret", "", "API secret")
	cmd.Flags().BoolVar(&p.VerifyTLS, "verify-tls", false, "verify the device TLS certificate")
	cmd.Flags().BoolVar(&p.Default, "default", false, "make this the default profile")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s storage.Store) error {
				profiles, err := s.ListProfiles()
				if err != nil {
					return err
				}
				return printProfiles(cmd.OutOrStdout(), profiles)
			})
		},
	}
}

func printProfiles(w io.Writer, profiles []storage.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tVERIFY_TLS\tDEFAULT\tUPDATED")
	for _, p := range profiles {
		def := ""
		if p.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			p.Name, p.BaseURL(), p.VerifyTLS, def, p.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func profileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s storage.Store) error {
				if err := s.DeleteProfile(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "profile %q deleted\n", args[0])
				return nil
			})
		},
	}
}

func profileDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default NAME",
		Short: "Make a profile the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s storage.Store) error {
				if err := s.SetDefaultProfile(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "default profile set to %q\n", args[0])
				return nil
			})
		},
	}
}
