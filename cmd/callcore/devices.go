package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/callcore/internal/devices"
	"github.com/mikeyg42/callcore/internal/media"
)

var checkDevices bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras, microphones and speakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		var opener media.Acquirer
		if checkDevices {
			opener = media.NewDeviceAcquirer(media.CaptureConfig{
				Width:        cfg.Video.Width,
				Height:       cfg.Video.Height,
				FrameRate:    cfg.Video.FrameRate,
				SampleRate:   cfg.Audio.SampleRate,
				ChannelCount: cfg.Audio.ChannelCount,
			}, logger)
		}

		dm := devices.NewManager(devices.Options{
			Platform: devices.NewMediaPlatform(opener, cfg.Session.DeviceWatchInterval, logger),
			Acquirer: opener,
			Logger:   logger,
		})
		set := dm.FetchDevices(ctx)
		if err := dm.Err(); err != nil {
			return err
		}

		printDevices(set)
		return nil
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&checkDevices, "check", false, "open the devices once to check permission")
}

func printDevices(set devices.DeviceSet) {
	for _, kind := range []devices.Kind{devices.Camera, devices.Microphone, devices.Speaker} {
		fmt.Printf("%ss:\n", kind)
		list := set.List(kind)
		if len(list) == 0 {
			fmt.Println("  (none)")
			continue
		}
		selected := set.Selected(kind)
		for _, d := range list {
			marker := " "
			if d.ID == selected {
				marker = "*"
			}
			fmt.Printf(" %s %-40s %s\n", marker, d.Label, d.ID)
		}
	}
}
