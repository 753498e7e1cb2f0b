package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder/gstenc"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var negotiateCmd = &cobra.Command{
	Use:   "negotiate",
	Short: "Check a capture size and frame rate against the installed encoders",
	Long: `Run encoder capability negotiation without allocating anything and print
the selected encoder profile, or the reason the request would be rejected.`,
	Example: `  # Check 1080p at 60 fps
  presentationrecorder negotiate --width 1920 --height 1080 --fps 60

  # List the encoders that were probed
  presentationrecorder negotiate --list`,
	RunE: runNegotiate,
}

var (
	negotiateWidth  int
	negotiateHeight int
	negotiateFPS    int
	negotiateFormat string
	negotiateList   bool
)

func init() {
	rootCmd.AddCommand(negotiateCmd)

	negotiateCmd.Flags().IntVar(&negotiateWidth, "width", 0, "capture width (default from config)")
	negotiateCmd.Flags().IntVar(&negotiateHeight, "height", 0, "capture height (default from config)")
	negotiateCmd.Flags().IntVar(&negotiateFPS, "fps", 0, "frame rate (default from config)")
	negotiateCmd.Flags().StringVarP(&negotiateFormat, "format", "f", "yaml", "output format (yaml or json)")
	negotiateCmd.Flags().BoolVar(&negotiateList, "list", false, "list probed encoders instead")
}

func runNegotiate(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	facility := gstenc.New(time.Duration(cfg.Encoder.FinalizeTimeoutMS) * time.Millisecond)

	if negotiateList {
		descriptors, err := facility.ListEncoders(cfg.Encoder.MediaType)
		if err != nil {
			return fmt.Errorf("failed to list encoders: %w", err)
		}
		return printValue(descriptors, negotiateFormat)
	}

	width, height, fps := cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FrameRate
	if negotiateWidth > 0 {
		width = negotiateWidth
	}
	if negotiateHeight > 0 {
		height = negotiateHeight
	}
	if negotiateFPS > 0 {
		fps = negotiateFPS
	}

	profile, err := encoder.NewNegotiator(facility).Negotiate(width, height, fps)
	if err != nil {
		return err
	}
	return printValue(profile, negotiateFormat)
}

func printValue(v interface{}, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}
