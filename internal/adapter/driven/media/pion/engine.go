package pion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/zaf/g711"

	"github.com/voxgate/bridge/internal/core/port"
)

// Options configures the WebRTC stack.
type Options struct {
	STUNURLs     []string
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

// Engine implements port.MediaEngine on pion/webrtc.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewEngine(opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}

	// Opus is the provider's primary codec, G.711 the fallback pair.
	codecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMA,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 8,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 0,
		},
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}

	s := webrtc.SettingEngine{}
	// The provider's media stack is UDP only.
	s.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	var servers []webrtc.ICEServer
	if len(opts.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: opts.STUNURLs})
	}
	if opts.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{opts.TURNURL},
			Username:   opts.TURNUsername,
			Credential: opts.TURNPassword,
		})
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		cfg: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// NewLeg creates one peer connection wrapped as a port.Leg.
func (e *Engine) NewLeg(ctx context.Context, opts port.LegOptions) (port.Leg, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}

	l := &leg{
		label:      opts.Label,
		pc:         pc,
		firstTrack: make(chan struct{}),
		done:       make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || opts.OnCandidate == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		opts.OnCandidate(string(payload))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("leg", l.label).Str("state", state.String()).Msg("Connection state changed")
		if opts.OnStateChange != nil {
			opts.OnStateChange(mapState(state))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			log.Debug().Str("leg", l.label).Str("kind", remote.Kind().String()).Msg("Ignoring non-audio track")
			return
		}
		log.Debug().Str("leg", l.label).Str("track_id", remote.ID()).Msg("Received remote track")

		local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
		if err != nil {
			log.Error().Err(err).Msg("Failed to create relay track")
			return
		}

		l.mu.Lock()
		l.relays = append(l.relays, local)
		dsts := append([]*leg(nil), l.dsts...)
		l.mu.Unlock()

		for _, d := range dsts {
			d.attach(local)
		}
		l.trackOnce.Do(func() { close(l.firstTrack) })

		go l.relay(remote, local)
	})

	return l, nil
}

func mapState(s webrtc.PeerConnectionState) port.LegState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return port.LegConnected
	case webrtc.PeerConnectionStateFailed:
		return port.LegFailed
	case webrtc.PeerConnectionStateClosed:
		return port.LegClosed
	default:
		// Disconnected can still recover, treat it as connecting.
		return port.LegConnecting
	}
}

type leg struct {
	label string
	pc    *webrtc.PeerConnection

	mu     sync.Mutex
	relays []*webrtc.TrackLocalStaticRTP // local copies of inbound tracks, plus any silence source
	dsts   []*leg                        // legs our relays are forwarded to
	closed bool

	trackOnce  sync.Once
	firstTrack chan struct{}
	done       chan struct{}
}

func (l *leg) SetRemoteOffer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (l *leg) SetRemoteAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *leg) CreateOffer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	l.waitGathering(ctx)
	return l.pc.LocalDescription().SDP, nil
}

func (l *leg) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	l.waitGathering(ctx)
	return l.pc.LocalDescription().SDP, nil
}

// waitGathering waits for ICE gathering, best-effort: on ctx expiry the
// description ships with whatever candidates exist.
func (l *leg) waitGathering(ctx context.Context) {
	done := webrtc.GatheringCompletePromise(l.pc)
	select {
	case <-done:
	case <-ctx.Done():
		log.Debug().Str("leg", l.label).Msg("Candidate gathering cut short")
	}
}

func (l *leg) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Some clients send the bare candidate line.
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	return l.pc.AddICECandidate(init)
}

func (l *leg) HasInboundAudio() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.relays) > 0
}

// AddSilenceTrack registers a synthesized µ-law silence source: attached to
// this leg's own connection (so its SDP always carries media) and buffered
// for forwarding like any inbound track.
func (l *leg) AddSilenceTrack() error {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: 8000,
		Channels:  1,
	}, "comfort", "bridge")
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.relays = append(l.relays, track)
	dsts := append([]*leg(nil), l.dsts...)
	l.mu.Unlock()

	l.attach(track)
	for _, d := range dsts {
		d.attach(track)
	}
	go l.writeSilence(track)
	return nil
}

// ForwardTracksTo relays all buffered and future inbound tracks onto dst.
func (l *leg) ForwardTracksTo(dst port.Leg) error {
	d, ok := dst.(*leg)
	if !ok {
		return errors.New("pion: cannot forward between different engines")
	}
	l.mu.Lock()
	l.dsts = append(l.dsts, d)
	tracks := append([]*webrtc.TrackLocalStaticRTP(nil), l.relays...)
	l.mu.Unlock()
	for _, t := range tracks {
		d.attach(t)
	}
	return nil
}

func (l *leg) WaitForTrack(ctx context.Context) bool {
	select {
	case <-l.firstTrack:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *leg) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	return l.pc.Close()
}

func (l *leg) attach(t *webrtc.TrackLocalStaticRTP) {
	sender, err := l.pc.AddTrack(t)
	if err != nil {
		log.Error().Err(err).Str("leg", l.label).Msg("Failed to add track")
		return
	}
	go l.drainRTCP(sender)
}

// relay copies RTP from a remote track into its local mirror until either
// side goes away.
func (l *leg) relay(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Str("leg", l.label).Msg("Relay read ended")
			}
			return
		}
		if _, err := local.Write(buf[:n]); err != nil {
			return
		}
	}
}

// drainRTCP keeps the sender's RTCP stream from backing up and surfaces
// goodbye packets for diagnostics.
func (l *leg) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.Goodbye); ok {
				log.Debug().Str("leg", l.label).Msg("RTCP goodbye received")
			}
		}
	}
}

const (
	silenceFrame   = 20 * time.Millisecond
	silenceSamples = 160 // 20 ms at 8 kHz
)

// writeSilence pushes µ-law silence frames until the leg closes.
func (l *leg) writeSilence(track *webrtc.TrackLocalStaticRTP) {
	payload := g711.EncodeUlaw(make([]byte, silenceSamples*2))
	seq := uint16(rand.Uint32())
	ts := rand.Uint32()
	ssrc := rand.Uint32()

	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0, // PCMU
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		if err := track.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
			log.Debug().Err(err).Str("leg", l.label).Msg("Silence write failed")
		}
		seq++
		ts += silenceSamples
	}
}
