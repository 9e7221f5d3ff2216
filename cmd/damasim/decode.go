package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/opensand-dama/internal/dvb"
)

func newDecodeCmd() *cobra.Command {
	var layout string

	cmd := &cobra.Command{
		Use:     "decode <hex>",
		Short:   "Decode one DVB control frame",
		Example: `  damasim decode 0005010005`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := dvb.ParseEntryLayout(layout)
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(strings.Join(strings.Fields(args[0]), ""))
			if err != nil {
				return fmt.Errorf("frame is not hex: %w", err)
			}
			cmd.SilenceUsage = true

			hdr, msg, err := dvb.Codec{Layout: l}.Decode(data)
			if hdr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", hdr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", msg.MsgType(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&layout, "layout", "big", "SAC entry layout: big or little")
	return cmd
}
