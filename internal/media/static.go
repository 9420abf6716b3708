package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a minimal Opus frame decoding to silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrameInterval = 20 * time.Millisecond

// StaticCapture returns a CaptureFunc producing synthetic tracks: silent
// audio and, when requested, a video track that negotiates but carries no
// samples. Used by headless deployments that have no capture hardware.
func StaticCapture() CaptureFunc {
	return func(ctx context.Context, constraints Constraints) (Stream, error) {
		pumpCtx, cancel := context.WithCancel(context.Background())

		var tracks []Track
		if constraints.Audio {
			audio, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				"audio", "callbridge-static")
			if err != nil {
				cancel()
				return nil, fmt.Errorf("create static audio track: %w", err)
			}
			go pumpSilence(pumpCtx, audio)
			tracks = append(tracks, NewLocalTrack("static-audio", KindAudio, audio, cancel))
		}
		if constraints.Video {
			video, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
				"video", "callbridge-static")
			if err != nil {
				cancel()
				return nil, fmt.Errorf("create static video track: %w", err)
			}
			tracks = append(tracks, NewLocalTrack("static-video", KindVideo, video, cancel))
		}

		return NewLocalStream(tracks...), nil
	}
}

func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(silenceFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := pionmedia.Sample{Data: opusSilence, Duration: silenceFrameInterval}
			if err := track.WriteSample(sample); err != nil {
				return
			}
		}
	}
}
