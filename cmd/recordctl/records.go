package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/convo-recorder/archive"
)

func newRecordsCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List, bundle and delete finished recordings",
	}
	cmd.AddCommand(newRecordsListCmd(g), newRecordsBundleCmd(g), newRecordsRmCmd(g))
	return cmd
}

func parseChat(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

func writer(g *globalOpts) *archive.Writer {
	return archive.New(g.recordsDir, nil, nil, archive.Options{})
}

func newRecordsListCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list <chat>",
		Short: "List the recordings of a chat, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChat(args[0])
			if err != nil {
				return err
			}
			keys, err := writer(g).List(chatID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "no recordings")
				return nil
			}
			for _, k := range keys {
				label := k
				if ts, err := strconv.ParseInt(k, 10, 64); err == nil {
					label = fmt.Sprintf("%s  %s", k, time.Unix(ts, 0).UTC().Format(time.RFC3339))
				}
				fmt.Fprintln(out, label)
			}
			return nil
		},
	}
}

func newRecordsBundleCmd(g *globalOpts) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "bundle <chat> <key>",
		Short: "Zip a recording",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChat(args[0])
			if err != nil {
				return err
			}
			key := args[1]
			if _, err := strconv.ParseUint(key, 10, 64); err != nil {
				return fmt.Errorf("invalid record key %q", key)
			}
			dir := filepath.Join(g.recordsDir, archive.ChatDir(chatID), key)
			dst := output
			if dst == "" {
				dst = key + ".zip"
			}
			path, err := archive.Bundle(dir, dst)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "zip file to write (default <key>.zip)")
	return cmd
}

func newRecordsRmCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <chat> <key>",
		Short: "Delete a recording",
		Long: `Delete a finished recording and its bundle.

The service must not be writing to the recording; recordctl works on the
files directly and cannot check that.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChat(args[0])
			if err != nil {
				return err
			}
			if err := writer(g).Delete(chatID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", archive.ChatDir(chatID), args[1])
			return nil
		},
	}
}
