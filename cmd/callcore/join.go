package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/conference"
	"github.com/mikeyg42/callcore/internal/devices"
	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/quality"
	"github.com/mikeyg42/callcore/internal/reconnect"
	"github.com/mikeyg42/callcore/internal/rtcManager"
)

var appointmentID string

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a video visit and control it interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := conference.Build(ctx, cfg, appointmentID, logger)
		if err != nil {
			return err
		}

		unsubToasts := s.Feed().Subscribe(printToast)
		defer unsubToasts()
		unsubSamples := s.Monitor().Samples().Subscribe(printSample)
		defer unsubSamples()
		unsubReconnect := s.Coordinator().Events().Subscribe(func(ev reconnect.Event) {
			if ev.Status == reconnect.StatusExhausted {
				fmt.Println("Reconnection failed. Type x to leave.")
			}
		})
		defer unsubReconnect()

		joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = s.Join(joinCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to join %s: %w", appointmentID, err)
		}
		fmt.Printf("Joined %s. Type h for help.\n", appointmentID)

		runCommands(ctx, s)

		leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Leave(leaveCtx)
	},
}

func init() {
	joinCmd.Flags().StringVar(&appointmentID, "appointment", "", "appointment (session) id to join")
	joinCmd.MarkFlagRequired("appointment")
}

const helpText = `Commands:
  v              toggle video
  a              toggle audio
  s              toggle screen share
  r              toggle recording
  b              toggle background blur
  l <0-10>       set blur level
  q <low|medium|high>  video quality for the next acquisition
  c <kind> <id>  change camera, microphone or speaker
  d              list devices
  t              test devices
  i              show session state
  x              leave`

// runCommands reads commands from stdin until x, EOF or ctx ends
func runCommands(ctx context.Context, s *conference.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleCommand(ctx, s, strings.Fields(line)) {
				return
			}
		}
	}
}

// handleCommand runs one command and reports whether to keep going
func handleCommand(ctx context.Context, s *conference.Session, fields []string) bool {
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "x", "exit":
		return false
	case "h", "help":
		fmt.Println(helpText)
	case "v":
		fmt.Println("video:", onOff(s.ToggleVideo()))
	case "a":
		fmt.Println("audio:", onOff(s.ToggleAudio()))
	case "s":
		fmt.Println("screen share:", onOff(s.ToggleScreenShare()))
	case "r":
		fmt.Println("recording:", onOff(s.ToggleRecording()))
	case "b":
		s.ToggleBlur(ctx)
		fmt.Println("blur:", onOff(s.Effects().BlurEnabled))
	case "l":
		if len(fields) != 2 {
			fmt.Println("usage: l <0-10>")
			break
		}
		level, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("invalid level:", fields[1])
			break
		}
		fmt.Println("blur level:", s.SetBlurLevel(ctx, level))
	case "q":
		if len(fields) != 2 {
			fmt.Println("usage: q <low|medium|high>")
			break
		}
		vq, err := quality.ParseVideoQuality(fields[1])
		if err != nil {
			fmt.Println(err)
			break
		}
		s.SetVideoQuality(vq)
		fmt.Println("video quality:", vq, vq.Profile().Name)
	case "c":
		if len(fields) != 3 {
			fmt.Println("usage: c <camera|microphone|speaker> <id>")
			break
		}
		kind, err := devices.ParseKind(fields[1])
		if err != nil {
			fmt.Println(err)
			break
		}
		if s.ChangeDevice(ctx, kind, fields[2]) {
			fmt.Printf("%s: %s\n", kind, fields[2])
		}
	case "d":
		printDevices(s.Devices())
	case "t":
		s.TestDevices(ctx)
	case "i":
		printState(s)
	default:
		fmt.Printf("unknown command %q, type h for help\n", fields[0])
	}
	return true
}

func printState(s *conference.Session) {
	st := s.VideoState()
	fx := s.Effects()
	fmt.Printf("video %s, audio %s, screen share %s, recording %s\n",
		onOff(st.VideoEnabled), onOff(st.AudioEnabled), onOff(st.ScreenShareEnabled), onOff(st.RecordingEnabled))
	fmt.Printf("connection %s, video quality %s, blur %s (level %d)\n",
		st.ConnectionQuality, st.VideoQuality, onOff(fx.BlurEnabled), fx.BlurLevel)
	if status := s.ReconnectionStatus(); status != reconnect.StatusIdle {
		fmt.Printf("reconnection %s, attempt %d\n", status, s.ConnectionAttempt())
	}
	if smp, ok := s.LastSample(); ok {
		fmt.Printf("last sample %s: score %d, rtt %v, loss %.1f%%, %s @ %.0ffps\n",
			smp.State, smp.Score, smp.Metrics.RTT, smp.Metrics.PacketLoss, smp.Metrics.Resolution, smp.Metrics.FrameRate)
	}
}

func printToast(t notification.Toast) {
	fmt.Printf("[%s] %s: %s\n", t.Severity, t.Title, t.Description)
}

func printSample(smp rtcManager.Sample) {
	logger.Debug("Sample", zap.Stringer("quality", smp.Label), zap.Int("score", smp.Score))
	if smp.Label == quality.Poor || smp.Label == quality.Disconnected {
		fmt.Printf("connection %s (score %d)\n", smp.Label, smp.Score)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
