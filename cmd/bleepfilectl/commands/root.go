// Package commands implements the bleepfilectl command tree.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bleepstore/bleepfile/pkg/client"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// envPrefix prefixes every environment override, e.g. BLEEPFILE_ACCOUNT_KEY.
const envPrefix = "BLEEPFILE"

// globalFlags are the persistent flags, bound into viper under the same
// names with dashes replaced by underscores.
var globalFlags = []string{"endpoint", "secondary-endpoint", "account", "account-key", "sas", "location", "output"}

// Execute runs the command line.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree with its own settings.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "bleepfilectl",
		Short: "BleepFile Control - file share client",
		Long: `bleepfilectl manages shares, directories and files on a BleepFile
service.

Settings come from flags, then BLEEPFILE_* environment variables, then
the config file ($XDG_CONFIG_HOME/bleepfile/ctl.yaml by default).

Examples:
  # List shares
  bleepfilectl share list

  # Upload a file
  bleepfilectl put ./report.pdf papers/2026/report.pdf

  # List a directory from the secondary endpoint
  bleepfilectl ls papers/2026 --location secondary`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/bleepfile/ctl.yaml)")
	flags.String("endpoint", "http://127.0.0.1:10000", "primary service URL")
	flags.String("secondary-endpoint", "", "read-only secondary service URL")
	flags.String("account", "devstoreaccount1", "account name")
	flags.String("account-key", "", "base64 account key for SharedKey signing")
	flags.String("sas", "", "shared access signature query string, used instead of the account key")
	flags.String("location", "", "default read location (primary|secondary)")
	flags.StringP("output", "o", "table", "output format (table|json|yaml)")
	for _, name := range globalFlags {
		_ = v.BindPFlag(viperKey(name), flags.Lookup(name))
	}

	root.AddCommand(newShareCmd(v))
	root.AddCommand(newLsCmd(v))
	root.AddCommand(newMkdirCmd(v))
	root.AddCommand(newRmdirCmd(v))
	root.AddCommand(newPutCmd(v))
	root.AddCommand(newGetCmd(v))
	root.AddCommand(newRmCmd(v))
	root.AddCommand(newCpCmd(v))
	root.AddCommand(newStatCmd(v))
	root.AddCommand(newSASCmd(v))
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

func viperKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

// loadConfig wires environment variables and reads the config file. A
// missing default config file is not an error.
func loadConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(filepath.Join(dir, "bleepfile"))
		v.SetConfigName("ctl")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if cfgFile == "" && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// parseLocation maps the --location flag to a paging.LocationMode.
func parseLocation(s string) (paging.LocationMode, error) {
	switch strings.ToLower(s) {
	case "":
		return paging.LocationUnset, nil
	case "primary":
		return paging.LocationPrimary, nil
	case "secondary":
		return paging.LocationSecondary, nil
	}
	return paging.LocationUnset, fmt.Errorf("invalid location %q: use primary or secondary", s)
}

// newServiceClient builds a client from the resolved settings.
func newServiceClient(v *viper.Viper) (*client.ServiceClient, error) {
	loc, err := parseLocation(v.GetString("location"))
	if err != nil {
		return nil, err
	}
	sas := v.GetString("sas")
	var cred *client.SharedKeyCredential
	if key := v.GetString("account_key"); key != "" && sas == "" {
		if cred, err = client.NewSharedKeyCredential(v.GetString("account"), key); err != nil {
			return nil, fmt.Errorf("invalid account key: %w", err)
		}
	}
	return client.NewServiceClient(v.GetString("endpoint"), cred, &client.ClientOptions{
		SecondaryURL: v.GetString("secondary_endpoint"),
		Location:     loc,
		SAS:          sas,
	})
}

// splitRemote splits "share/dir/file" into the share and the path within
// it.
func splitRemote(arg string) (share, path string, err error) {
	share, path, _ = strings.Cut(strings.Trim(arg, "/"), "/")
	if share == "" {
		return "", "", fmt.Errorf("remote path %q has no share", arg)
	}
	return share, path, nil
}
