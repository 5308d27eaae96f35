package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bleepstore/bleepfile/pkg/client"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

func newShareCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share management",
		Long: `Create, inspect and delete shares.

Examples:
  # List shares whose name starts with "logs"
  bleepfilectl share list --prefix logs

  # Create a 10 GiB share with metadata
  bleepfilectl share create archive --quota 10 --metadata owner=ops

  # Show properties and usage
  bleepfilectl share show archive`,
	}
	cmd.AddCommand(newShareListCmd(v))
	cmd.AddCommand(newShareCreateCmd(v))
	cmd.AddCommand(newShareDeleteCmd(v))
	cmd.AddCommand(newShareShowCmd(v))
	cmd.AddCommand(newShareQuotaCmd(v))
	return cmd
}

// shareList is a list of shares for table rendering.
type shareList []client.ShareItem

func (sl shareList) Headers() []string {
	return []string{"NAME", "QUOTA (GIB)", "LAST MODIFIED", "METADATA"}
}

func (sl shareList) Rows() [][]string {
	rows := make([][]string, 0, len(sl))
	for _, s := range sl {
		rows = append(rows, []string{s.Name, strconv.Itoa(s.QuotaGiB), formatTime(s.LastModified), formatMetadata(s.Metadata)})
	}
	return rows
}

func newShareListCmd(v *viper.Viper) *cobra.Command {
	var opts client.ListSharesOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			shares, err := paging.Collect(cmd.Context(), svc.NewListSharesPager(&opts))
			if err != nil {
				return fmt.Errorf("failed to list shares: %w", err)
			}
			return printOutput(cmd.OutOrStdout(), v.GetString("output"), shares, len(shares) == 0, "No shares found.", shareList(shares))
		},
	}
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only shares whose name starts with prefix")
	cmd.Flags().IntVar(&opts.MaxResults, "page-size", 0, "shares per request (default: service default)")
	cmd.Flags().BoolVar(&opts.IncludeMetadata, "metadata", false, "include share metadata")
	return cmd
}

func newShareCreateCmd(v *viper.Viper) *cobra.Command {
	var opts client.CreateShareOptions
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			if _, err := svc.NewShareClient(args[0]).Create(cmd.Context(), &opts); err != nil {
				return fmt.Errorf("failed to create share: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Share %s created.\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.QuotaGiB, "quota", 0, "size limit in GiB (default: service maximum)")
	cmd.Flags().StringToStringVar(&opts.Metadata, "metadata", nil, "metadata as key=value pairs")
	return cmd
}

func newShareDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a share and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			if err := svc.NewShareClient(args[0]).Delete(cmd.Context()); err != nil {
				return fmt.Errorf("failed to delete share: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Share %s deleted.\n", args[0])
			return nil
		},
	}
}

// shareDetails is the combined output of share show.
type shareDetails struct {
	Name           string            `json:"name" yaml:"name"`
	ETag           string            `json:"etag" yaml:"etag"`
	LastModified   time.Time         `json:"last_modified" yaml:"last_modified"`
	QuotaGiB       int               `json:"quota_gib" yaml:"quota_gib"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	UsageBytes     int64             `json:"usage_bytes" yaml:"usage_bytes"`
	FileCount      int64             `json:"file_count" yaml:"file_count"`
	DirectoryCount int64             `json:"directory_count" yaml:"directory_count"`
}

func newShareShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a share's properties and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			share := svc.NewShareClient(args[0])
			props, err := share.GetProperties(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get share: %w", err)
			}
			stats, err := share.GetStatistics(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get share statistics: %w", err)
			}
			d := shareDetails{
				Name:           args[0],
				ETag:           props.ETag,
				LastModified:   props.LastModified,
				QuotaGiB:       props.QuotaGiB,
				Metadata:       props.Metadata,
				UsageBytes:     stats.UsageBytes,
				FileCount:      stats.FileCount,
				DirectoryCount: stats.DirectoryCount,
			}
			if f := v.GetString("output"); f == "json" || f == "yaml" {
				return printOutput(cmd.OutOrStdout(), f, d, false, "", nil)
			}
			printPairs(cmd.OutOrStdout(), [][2]string{
				{"Name", d.Name},
				{"ETag", d.ETag},
				{"Last Modified", formatTime(d.LastModified)},
				{"Quota (GiB)", strconv.Itoa(d.QuotaGiB)},
				{"Metadata", formatMetadata(d.Metadata)},
				{"Usage (bytes)", strconv.FormatInt(d.UsageBytes, 10)},
				{"Files", strconv.FormatInt(d.FileCount, 10)},
				{"Directories", strconv.FormatInt(d.DirectoryCount, 10)},
			})
			return nil
		},
	}
}

func newShareQuotaCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "quota NAME GIB",
		Short: "Set a share's size limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quota, err := strconv.Atoi(args[1])
			if err != nil || quota < 1 {
				return fmt.Errorf("invalid quota %q: must be a positive number of GiB", args[1])
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			if _, err := svc.NewShareClient(args[0]).SetQuota(cmd.Context(), quota); err != nil {
				return fmt.Errorf("failed to set quota: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Share %s quota set to %d GiB.\n", args[0], quota)
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// formatMetadata renders metadata as sorted key=value pairs.
func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + md[k]
	}
	return strings.Join(parts, ",")
}
