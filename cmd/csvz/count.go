package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zoobzio/csvz"
)

var (
	countEncoding string
	countHeader   bool

	countCmd = &cobra.Command{
		Use:   "count [file]",
		Short: "Count the records of a CSV file",
		Long: `Count the records of a CSV file without loading it into memory.

Reads stdin when no file is given. Quoted fields may span lines; they
count as part of a single record.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) > 0 {
				path = args[0]
			}
			enc, err := csvz.ParseEncoding(countEncoding)
			if err != nil {
				return err
			}
			in, err := openInput(path)
			if err != nil {
				return err
			}
			defer in.Close()

			n := 0
			for _, err := range csvz.Decode(cmd.Context(), in, enc) {
				if err != nil {
					return err
				}
				n++
			}
			if countHeader && n > 0 {
				n--
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
)

func init() {
	countCmd.Flags().StringVar(&countEncoding, "encoding", "utf-8", "Input encoding: utf-8, utf-16le or utf-16be")
	countCmd.Flags().BoolVar(&countHeader, "header", false, "Do not count the first record")
}
