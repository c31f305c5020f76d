package rtcapi

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"
	"layeh.com/gopus"

	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// WebRTC audio is 48 kHz Opus; browsers negotiate the stereo payload even
// for mono capture, so the decoder always runs stereo and the pipeline
// downmixes.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// maxFrameSamples is the decode buffer size per channel. Opus frames
	// go up to 120 ms, even though 20 ms is what browsers send.
	maxFrameSamples = opusSampleRate * 120 / 1000
)

// opusSpec describes the PCM produced by the decoder.
var opusSpec = audio.Spec{SampleRate: opusSampleRate, Channels: opusChannels, Format: audio.FormatS16LE}

// Data channel labels the client is expected to open in its offer.
const (
	dcControl = "control"
	dcStatus  = "status"
	dcResult  = "asr_result"
	dcError   = "error"
)

// controlMessage is one inbound JSON frame on the control channel. The
// session is implied by the peer connection, so no session_id travels.
type controlMessage struct {
	Action string `json:"action"`
	Source string `json:"source,omitempty"`
}

// ackMessage is the reply to a handled control frame.
type ackMessage struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

// peer is one negotiated connection and its session binding.
type peer struct {
	srv       *Server
	sessionID string
	pc        *webrtc.PeerConnection

	dcMu      sync.Mutex
	controlDC *webrtc.DataChannel
	statusDC  *webrtc.DataChannel
	resultDC  *webrtc.DataChannel
	errorDC   *webrtc.DataChannel

	eventsCancel func()
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

func (s *Server) newPeer(sessionID string) (*peer, error) {
	pc, err := s.api.NewPeerConnection(s.cfg)
	if err != nil {
		return nil, err
	}
	p := &peer{srv: s, sessionID: sessionID, pc: pc}

	pc.OnDataChannel(p.attachChannel)
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			go s.drop(sessionID)
		}
	})

	// Subscribe before the session's create action is dispatched, so the
	// forwarder sees the full event stream once the channels open.
	events, cancel := s.hub.Subscribe(sessionID)
	p.eventsCancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range events {
			p.forward(ev)
		}
	}()
	return p, nil
}

// answer negotiates against the client offer and returns the local SDP
// after ICE gathering completes.
func (p *peer) answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gathered
	return p.pc.LocalDescription().SDP, nil
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.eventsCancel()
		if err := p.pc.Close(); err != nil {
			slog.Warn("webrtc peer close", "session_id", p.sessionID, "error", err)
		}
		p.wg.Wait()
	})
}

// attachChannel records a client-opened data channel by label and hooks
// control frames.
func (p *peer) attachChannel(dc *webrtc.DataChannel) {
	p.dcMu.Lock()
	defer p.dcMu.Unlock()
	switch dc.Label() {
	case dcControl:
		p.controlDC = dc
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.handleControl(msg.Data)
		})
	case dcStatus:
		p.statusDC = dc
	case dcResult:
		p.resultDC = dc
	case dcError:
		p.errorDC = dc
	default:
		slog.Debug("ignoring unknown data channel", "label", dc.Label(), "session_id", p.sessionID)
	}
}

func (p *peer) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.sendError(store.ErrCodeTransport, "invalid control frame: "+err.Error())
		return
	}
	var kind store.Kind
	switch msg.Action {
	case "wake_activated":
		kind = store.KindWakeActivated
	case "wake_deactivated":
		kind = store.KindWakeDeactivated
	case "upload_started":
		kind = store.KindUploadStarted
	case "upload_completed":
		kind = store.KindUploadCompleted
	case "feedback_finished":
		kind = store.KindFeedbackFinished
	case "reset_session":
		kind = store.KindResetSession
	case "delete_session":
		kind = store.KindDeleteSession
	default:
		p.sendError(store.ErrCodeTransport, fmt.Sprintf("unknown action %q", msg.Action))
		return
	}
	source := msg.Source
	if source == "" {
		source = store.SourceUI
	}
	p.srv.st.Dispatch(store.NewAction(kind, p.sessionID, nil).WithSource(source))
	p.sendAck(msg.Action)
}

// handleTrack pumps the remote Opus track through the decoder and into
// the store. Runs until the track or the connection ends.
func (p *peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			slog.Error("opus decoder init failed", "session_id", p.sessionID, "error", err)
			return
		}
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if len(pkt.Payload) == 0 {
				continue
			}
			pcm, err := decodeOpus(dec, pkt.Payload)
			if err != nil {
				slog.Warn("opus decode failed", "session_id", p.sessionID, "error", err)
				continue
			}
			p.srv.st.Dispatch(store.NewAction(store.KindReceiveAudioChunk, p.sessionID, store.AudioChunkPayload{
				PCM:  pcm,
				Spec: opusSpec,
			}))
		}
	}()
}

// forward routes one session event to its data channel: errors on the
// error channel, transcription results on asr_result, the rest on status.
// Events that arrive before the client opened the target channel are
// dropped, same as a late SSE subscriber missing earlier events.
func (p *peer) forward(ev transport.Event) {
	p.dcMu.Lock()
	var dc *webrtc.DataChannel
	switch ev.Type {
	case transport.EventErrorReported:
		dc = p.errorDC
	case transport.EventTranscribeDone, transport.EventStreamStarted, transport.EventStreamStopped:
		dc = p.resultDC
	default:
		dc = p.statusDC
	}
	p.dcMu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		slog.Warn("data channel send failed", "session_id", p.sessionID, "label", dc.Label(), "error", err)
	}
}

func (p *peer) sendAck(action string) {
	p.sendOn(p.control(), ackMessage{Type: "ack", Action: action, SessionID: p.sessionID})
}

func (p *peer) sendError(code store.ErrorCode, msg string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = msg
	dc := p.control()
	if dc == nil {
		p.dcMu.Lock()
		dc = p.errorDC
		p.dcMu.Unlock()
	}
	p.sendOn(dc, body)
}

func (p *peer) control() *webrtc.DataChannel {
	p.dcMu.Lock()
	defer p.dcMu.Unlock()
	return p.controlDC
}

func (p *peer) sendOn(dc *webrtc.DataChannel, v any) {
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		slog.Warn("data channel send failed", "session_id", p.sessionID, "label", dc.Label(), "error", err)
	}
}

// decodeOpus decodes one Opus packet into interleaved little-endian
// int16 PCM bytes.
func decodeOpus(dec *gopus.Decoder, payload []byte) ([]byte, error) {
	pcm, err := dec.Decode(payload, maxFrameSamples, false)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}
