// Command leech is a leech-only BitTorrent client: it downloads every
// piece of a torrent and reassembles the torrent's declared files, with no
// seeding support.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lbealr/leech/client"
	"github.com/lbealr/leech/config"
)

var (
	outputDir string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "leech",
		Short: "a leech-only BitTorrent client",
	}

	run := &cobra.Command{
		Use:   "run <torrent-path>",
		Short: "download every piece of a torrent and reassemble its files",
		Args:  cobra.ExactArgs(1),
		RunE:  runTorrent,
	}
	run.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory to write reassembled files into (default: the torrent's files directory under the data root)")
	run.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	torrentPath := args[0]
	info, err := os.Stat(torrentPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", torrentPath)
	}

	if outputDir != "" {
		destInfo, err := os.Stat(outputDir)
		if err != nil {
			return err
		}
		if !destInfo.IsDir() {
			return fmt.Errorf("%s is not a directory", outputDir)
		}
	}

	dataRoot, err := config.DataRoot()
	if err != nil {
		return err
	}

	c, err := client.New(torrentPath, dataRoot)
	if err != nil {
		return err
	}

	if err := c.Run(context.Background()); err != nil {
		return err
	}

	return c.WriteFiles(outputDir)
}
