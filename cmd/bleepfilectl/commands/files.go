package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/pkg/client"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// entryList is a directory listing for table rendering.
type entryList []client.DirectoryEntry

func (el entryList) Headers() []string {
	return []string{"TYPE", "NAME", "SIZE", "METADATA"}
}

func (el entryList) Rows() [][]string {
	rows := make([][]string, 0, len(el))
	for _, e := range el {
		kind, size := "file", strconv.FormatInt(e.Size, 10)
		if e.IsDirectory {
			kind, size = "dir", "-"
		}
		rows = append(rows, []string{kind, e.Name, size, formatMetadata(e.Metadata)})
	}
	return rows
}

func newLsCmd(v *viper.Viper) *cobra.Command {
	var opts client.ListFilesAndDirectoriesOptions
	var limit int
	cmd := &cobra.Command{
		Use:   "ls SHARE[/DIR]",
		Short: "List the files and directories of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, dir, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			pager := svc.NewShareClient(shareName).NewDirectoryClient(dir).NewListFilesAndDirectoriesPager(&opts)
			var entries []client.DirectoryEntry
			for entry, err := range paging.All(cmd.Context(), pager) {
				if err != nil {
					return fmt.Errorf("failed to list %s: %w", args[0], err)
				}
				entries = append(entries, entry)
				if limit > 0 && len(entries) >= limit {
					break
				}
			}
			return printOutput(cmd.OutOrStdout(), v.GetString("output"), entries, len(entries) == 0, "Directory is empty.", entryList(entries))
		},
	}
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only entries whose name starts with prefix")
	cmd.Flags().IntVar(&opts.MaxResults, "page-size", 0, "entries per request (default: service default)")
	cmd.Flags().BoolVar(&opts.IncludeMetadata, "metadata", false, "include entry metadata")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries")
	return cmd
}

func newMkdirCmd(v *viper.Viper) *cobra.Command {
	var parents bool
	var md map[string]string
	cmd := &cobra.Command{
		Use:   "mkdir SHARE/DIR",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, dir, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			share := svc.NewShareClient(shareName)
			targets := []string{dir}
			if parents {
				targets = targets[:0]
				prefix := ""
				for _, part := range naming.SplitPath(dir) {
					prefix = naming.Join(prefix, part)
					targets = append(targets, prefix)
				}
			}
			for i, path := range targets {
				last := i == len(targets)-1
				opts := &client.CreateDirectoryOptions{}
				if last {
					opts.Metadata = md
				}
				_, err := share.NewDirectoryClient(path).Create(cmd.Context(), opts)
				if err != nil && !(parents && !last && client.IsConflict(err)) {
					return fmt.Errorf("failed to create %s/%s: %w", shareName, path, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Directory %s created.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	cmd.Flags().StringToStringVar(&md, "metadata", nil, "metadata as key=value pairs")
	return cmd
}

func newRmdirCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir SHARE/DIR",
		Short: "Delete an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, dir, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			if err := svc.NewShareClient(shareName).NewDirectoryClient(dir).Delete(cmd.Context()); err != nil {
				return fmt.Errorf("failed to delete %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Directory %s deleted.\n", args[0])
			return nil
		},
	}
}

func newPutCmd(v *viper.Viper) *cobra.Command {
	var opts client.UploadOptions
	cmd := &cobra.Command{
		Use:   "put LOCAL SHARE/PATH",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, path, err := splitRemote(args[1])
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			resp, err := svc.NewShareClient(shareName).NewFileClient(path).Upload(cmd.Context(), f, &opts)
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (etag %s).\n", args[1], resp.ETag)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "content type of the file")
	cmd.Flags().StringVar(&opts.CacheControl, "cache-control", "", "cache control of the file")
	cmd.Flags().StringToStringVar(&opts.Metadata, "metadata", nil, "metadata as key=value pairs")
	return cmd
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	var opts client.DownloadOptions
	cmd := &cobra.Command{
		Use:   "get SHARE/PATH [LOCAL]",
		Short: "Download a file to LOCAL or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, path, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			resp, err := svc.NewShareClient(shareName).NewFileClient(path).Download(cmd.Context(), &opts)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", args[0], err)
			}
			defer resp.Body.Close()

			if len(args) == 1 {
				_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
				return err
			}
			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, resp.Body); err != nil {
				out.Close()
				os.Remove(args[1])
				return fmt.Errorf("failed to download %s: %w", args[0], err)
			}
			return out.Close()
		},
	}
	cmd.Flags().Int64Var(&opts.Offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&opts.Count, "count", 0, "number of bytes to read (default: to the end)")
	cmd.Flags().BoolVar(&opts.RangeGetContentMD5, "verify-range", false, "verify the range against a service-computed MD5")
	return cmd
}

func newRmCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rm SHARE/PATH",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, path, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			if err := svc.NewShareClient(shareName).NewFileClient(path).Delete(cmd.Context()); err != nil {
				return fmt.Errorf("failed to delete %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "File %s deleted.\n", args[0])
			return nil
		},
	}
}

func newCpCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cp SHARE/SRC SHARE/DST",
		Short: "Copy a file within the service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcShare, srcPath, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			dstShare, dstPath, err := splitRemote(args[1])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			src := svc.NewShareClient(srcShare).NewFileClient(srcPath)
			resp, err := svc.NewShareClient(dstShare).NewFileClient(dstPath).StartCopy(cmd.Context(), src.URL(), nil)
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied %s to %s (%s).\n", args[0], args[1], resp.CopyStatus)
			return nil
		},
	}
}

// fileDetails is the output of stat.
type fileDetails struct {
	Path          string            `json:"path" yaml:"path"`
	ContentLength int64             `json:"content_length" yaml:"content_length"`
	ContentType   string            `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	ETag          string            `json:"etag" yaml:"etag"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func newStatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stat SHARE/PATH",
		Short: "Show a file's properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shareName, path, err := splitRemote(args[0])
			if err != nil {
				return err
			}
			svc, err := newServiceClient(v)
			if err != nil {
				return err
			}
			props, err := svc.NewShareClient(shareName).NewFileClient(path).GetProperties(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", args[0], err)
			}
			d := fileDetails{
				Path:          args[0],
				ContentLength: props.ContentLength,
				ContentType:   props.ContentType,
				ETag:          props.ETag,
				Metadata:      props.Metadata,
			}
			if f := v.GetString("output"); f == "json" || f == "yaml" {
				return printOutput(cmd.OutOrStdout(), f, d, false, "", nil)
			}
			printPairs(cmd.OutOrStdout(), [][2]string{
				{"Path", d.Path},
				{"Size", strconv.FormatInt(d.ContentLength, 10)},
				{"Content Type", d.ContentType},
				{"ETag", d.ETag},
				{"Last Modified", formatTime(props.LastModified)},
				{"Metadata", formatMetadata(d.Metadata)},
			})
			return nil
		},
	}
}
