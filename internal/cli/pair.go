package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coworkos/cowork/internal/channels"
)

var pairQRPath string

var pairCmd = &cobra.Command{
	Use:   "pair [channel-id]",
	Short: "Generate a pairing code for an external channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runPair,
}

func init() {
	pairCmd.Flags().StringVar(&pairQRPath, "qr", "", "also write the code as a QR PNG to this path")
}

func runPair(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	channelID := args[0]
	if _, ok := rt.channels.Get(channelID); !ok {
		return fmt.Errorf("channel not found: %s", channelID)
	}

	pairing := channels.NewPairing(rt.st, rt.channels)
	code, err := pairing.Start(channelID)
	if err != nil {
		return err
	}

	cmd.Printf("Pairing code for %s: %s\n", channelID, color.CyanString(code))
	cmd.Printf("Valid for %s. Send it through the channel to pair.\n", pairing.TTL)

	if pairQRPath != "" {
		png, err := pairing.QRCodePNG(code)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(pairQRPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(pairQRPath, png, 0o600); err != nil {
			return err
		}
		cmd.Printf("QR written to %s\n", pairQRPath)
	}
	return nil
}
