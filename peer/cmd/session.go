package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/adwski/webrtc-vidmeet/peer/call"
	"github.com/adwski/webrtc-vidmeet/peer/config"
	"github.com/adwski/webrtc-vidmeet/peer/negotiation"
	"github.com/adwski/webrtc-vidmeet/peer/pionlog"
	"github.com/adwski/webrtc-vidmeet/peer/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	frameDuration = 20 * time.Millisecond
	hangupTimeout = 2 * time.Second
)

var (
	errRelayGone = errors.New("connection to the relay was lost")

	// opus frame of silence
	silence = []byte{0xf8, 0xff, 0xfe}
)

type session struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *signaling.Client
	o      *call.Orchestrator
	track  *webrtc.TrackLocalStaticSample

	joined chan model.UserJoined
	ended  chan error
	cancel context.CancelFunc
}

func newSession(ctx context.Context) (*session, error) {
	logger, pionLvl, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: pionlog.NewFactory(&logger, pionLvl)}
	mediaEngine := &webrtc.MediaEngine{}
	if err = mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("cannot register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(mediaEngine))
	pcConfig := cfg.WebRTCConfiguration()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "vidmeet-"+cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("cannot create local track: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:    cfg,
		logger: logger,
		track:  track,
		joined: make(chan model.UserJoined, 1),
		ended:  make(chan error, 1),
		cancel: cancel,
	}
	s.client = signaling.NewClient(signaling.Config{URL: cfg.Server, Logger: &logger})
	s.o = call.New(call.Config{
		Transport: s.client,
		Factory: func() (negotiation.PeerConnection, error) {
			return api.NewPeerConnection(pcConfig)
		},
		Tracks:       []webrtc.TrackLocal{track},
		RestartGrace: cfg.RestartGrace,
		Logger:       &logger,
		Callbacks: call.Callbacks{
			OnRemoteTrack:        s.onRemoteTrack(ctx),
			OnConnectivityChange: s.onConnectivityChange,
			OnCallEnded:          s.onCallEnded,
			OnChat: func(_ string, msg model.ChatMessage) {
				s.logger.Info().Str("sender", msg.Sender).Str("text", msg.Text).Msg("chat")
			},
			OnRemoteMediaState: func(_ string, st model.MediaStatePayload) {
				s.logger.Info().Str("kind", st.Type).Bool("enabled", st.State).Msg("remote media state")
			},
			OnPeerJoined: func(u model.UserJoined) {
				s.logger.Info().Str("name", u.Name).Msg("participant joined")
				select {
				case s.joined <- u:
				default:
				}
			},
			OnPeerLeft: func(id string) {
				s.logger.Info().Str("id", id).Msg("participant left")
			},
		},
	})

	if err = s.client.Connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	go s.feed(ctx)
	return s, nil
}

// wait blocks until the call ends, the relay goes away or ctx is canceled.
func (s *session) wait(ctx context.Context) error {
	select {
	case err := <-s.ended:
		return err
	case <-s.client.Done():
		return errRelayGone
	case <-ctx.Done():
		s.logger.Warn().Msg("interrupted")
		hctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		if err := s.o.EndCall(hctx); err != nil && !errors.Is(err, call.ErrNoCall) {
			s.logger.Error().Err(err).Msg("failed to hang up")
		}
		return nil
	}
}

func (s *session) Close() {
	s.cancel()
	s.client.Close()
}

func (s *session) onCallEnded(peer string, reason error) {
	s.logger.Info().Str("peer", peer).AnErr("reason", reason).Msg("call ended")
	if errors.Is(reason, negotiation.ErrConnectivityLost) || errors.Is(reason, call.ErrPeerLeft) {
		reason = nil
	}
	select {
	case s.ended <- reason:
	default:
	}
}

func (s *session) onConnectivityChange(state webrtc.PeerConnectionState) {
	s.logger.Info().Stringer("state", state).Msg("connection state")
	if state == webrtc.PeerConnectionStateConnected {
		if e := s.o.Engine(); e != nil {
			s.logger.Debug().Msg(e.DebugState())
		}
	}
}

func (s *session) onRemoteTrack(ctx context.Context) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("receiving remote media")
		go func() {
			var packets int
			buf := make([]byte, 1500)
			for ctx.Err() == nil {
				if _, _, err := track.Read(buf); err != nil {
					if !errors.Is(err, io.EOF) {
						s.logger.Debug().Err(err).Msg("remote track read stopped")
					}
					break
				}
				packets++
			}
			s.logger.Info().Int("packets", packets).Msg("remote media finished")
		}()
	}
}

func (s *session) feed(ctx context.Context) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.track.WriteSample(media.Sample{Data: silence, Duration: frameDuration}); err != nil {
				s.logger.Debug().Err(err).Msg("failed to write sample")
			}
		}
	}
}
