package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bleepstore/bleepfile/internal/auth"
)

func newSASCmd(v *viper.Viper) *cobra.Command {
	var (
		resource    string
		permissions string
		expiry      time.Duration
		identifier  string
		withStart   bool
	)
	cmd := &cobra.Command{
		Use:   "sas SHARE[/PATH]",
		Short: "Generate a shared access signature",
		Long: `Generate a service SAS for a share, directory or file, signed with the
account key. The query string is printed to stdout.

Examples:
  # Read and list access to a share for one hour
  bleepfilectl sas docs --permissions rl --expiry 1h

  # Read access to one file through a stored access policy
  bleepfilectl sas papers/report.pdf --resource file --identifier readers`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			share, path, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			key := v.GetString("account_key")
			if key == "" {
				return fmt.Errorf("an account key is required to sign a SAS")
			}
			keyBytes, err := auth.DecodeAccountKey(key)
			if err != nil {
				return fmt.Errorf("invalid account key: %w", err)
			}

			values := auth.SASValues{
				Permissions: permissions,
				Identifier:  identifier,
				Share:       share,
				Path:        path,
			}
			switch resource {
			case "share":
				values.Resource = auth.SASResourceShare
				if path != "" {
					return fmt.Errorf("a share SAS takes no path")
				}
			case "directory":
				values.Resource = auth.SASResourceDirectory
			case "file":
				values.Resource = auth.SASResourceFile
				if path == "" {
					return fmt.Errorf("a file SAS needs a path")
				}
			default:
				return fmt.Errorf("invalid resource %q: use share, directory or file", resource)
			}
			now := time.Now()
			if expiry > 0 {
				values.Expiry = auth.NewSASExpiry(now, expiry)
			}
			if withStart {
				values.Start = now.UTC().Format(auth.SASTimeFormat)
			}
			if values.Expiry == "" && values.Identifier == "" {
				return fmt.Errorf("either --expiry or --identifier is required")
			}

			q, err := values.Sign(v.GetString("account"), keyBytes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), q.Encode())
			return nil
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "share", "signed resource kind (share|directory|file)")
	cmd.Flags().StringVar(&permissions, "permissions", "r", "permissions from rcwdl")
	cmd.Flags().DurationVar(&expiry, "expiry", time.Hour, "validity from now")
	cmd.Flags().StringVar(&identifier, "identifier", "", "stored access policy ID")
	cmd.Flags().BoolVar(&withStart, "start-now", false, "set the start time to now")
	return cmd
}
