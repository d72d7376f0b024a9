package comms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v2"
	"go.uber.org/zap"
)

const (
	LABEL_COMMAND = "command"
	LABEL_STATE   = "state"

	STATE_INTERVAL = 100 * time.Millisecond
)

var ErrNotOffer = errors.New("SDP is not an offer")

// WebRTCClient is one remote control surface talking over data channels:
// commands arrive on "command" and are answered there, state snapshots go
// out on "state".
type WebRTCClient struct {
	ID string

	pc        *webrtc.PeerConnection
	conductor ConductorInterface
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	tx, rx *webrtc.DataChannel
	onGone func()
}

func NewWebRTCClient(
	sdp webrtc.SessionDescription,
	conductor ConductorInterface,
	iceServers []webrtc.ICEServer,
	signals chan<- string,
	logger *zap.SugaredLogger) (client *WebRTCClient, err error) {

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client = &WebRTCClient{
		ID:        uuid.New().String(),
		conductor: conductor,
	}
	client.logger = logger.With("client", client.ID)

	// Trickle ICE, candidates are signalled as they are found
	s := webrtc.SettingEngine{}
	s.SetTrickle(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	client.pc, err = api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	client.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}

		msg, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		client.signal(signals, string(msg))
	})

	client.pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		client.mu.Lock()
		defer client.mu.Unlock()

		switch label := channel.Label(); label {
		case LABEL_STATE:
			client.tx = channel

		case LABEL_COMMAND:
			client.rx = channel
			channel.OnMessage(client.receiveMessage)

		default:
			client.logger.Warnw("closing unknown data channel", "label", label)
			channel.Close()
		}
	})

	client.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		client.logger.Debugw("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			client.gone()
		}
	})

	if err = client.pc.SetRemoteDescription(sdp); err != nil {
		client.pc.Close()
		return nil, err
	}

	go func() {
		answer, err := client.pc.CreateAnswer(nil)
		if err != nil {
			client.logger.Errorw("unable to create answer", "err", err)
			return
		}
		if err = client.pc.SetLocalDescription(answer); err != nil {
			client.logger.Errorw("unable to set local description", "err", err)
			return
		}
		answerJson, err := json.Marshal(answer)
		if err != nil {
			client.logger.Errorw("unable to encode answer", "err", err)
			return
		}
		client.signal(signals, string(answerJson))
	}()

	return
}

// signal hands msg to the signaling socket without waiting on it; once the
// socket is gone nobody drains signals and late candidates are dropped.
func (client *WebRTCClient) signal(signals chan<- string, msg string) {
	select {
	case signals <- msg:
	default:
		client.logger.Debugw("signal dropped, nobody is listening")
	}
}

func (client *WebRTCClient) AddIceCandidate(msg string) error {
	var ic webrtc.ICECandidateInit
	err := json.Unmarshal([]byte(msg), &ic)
	if err != nil {
		return errors.New("Unable to deserialize ice msg")
	}

	if err = client.pc.AddICECandidate(ic); err != nil {
		return err
	}
	client.logger.Debugw("added ice candidate", "candidate", ic.Candidate)
	return nil
}

func (client *WebRTCClient) receiveMessage(msg webrtc.DataChannelMessage) {
	var cmd Cmd
	var reply Reply

	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		reply.Error = "invalid json"
	} else {
		reply = client.conductor.ProcessCommand(cmd)
	}

	client.mu.Lock()
	rx := client.rx
	client.mu.Unlock()
	if rx == nil {
		return
	}

	out, _ := json.Marshal(reply)
	if err := rx.SendText(string(out)); err != nil {
		client.logger.Debugw("unable to reply", "err", err)
	}
}

// SendState pushes a state snapshot if the state channel is open.
func (client *WebRTCClient) SendState(msg []byte) error {
	client.mu.Lock()
	tx := client.tx
	client.mu.Unlock()

	if tx == nil || tx.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return tx.SendText(string(msg))
}

func (client *WebRTCClient) Close() error {
	return client.pc.Close()
}

func (client *WebRTCClient) gone() {
	client.mu.Lock()
	onGone := client.onGone
	client.onGone = nil
	client.mu.Unlock()

	if onGone != nil {
		onGone()
	}
}

type clientSet struct {
	mu      sync.Mutex
	clients map[string]*WebRTCClient
}

func newClientSet() *clientSet {
	return &clientSet{clients: make(map[string]*WebRTCClient)}
}

func (s *clientSet) add(client *WebRTCClient) {
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
}

func (s *clientSet) remove(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *clientSet) list() []*WebRTCClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*WebRTCClient, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, client)
	}
	return out
}

func (c *Conductor) Clients() int {
	return len(c.clients.list())
}

// ReceiveOffer answers a WebRTC offer with a new client. Answers and ICE
// candidates are written to signals.
func (c *Conductor) ReceiveOffer(msg string, iceServers []webrtc.ICEServer, signals chan<- string) (client *WebRTCClient, err error) {
	var sdp webrtc.SessionDescription
	if err = json.Unmarshal([]byte(msg), &sdp); err != nil {
		return nil, err
	}

	if sdp.Type != webrtc.SDPTypeOffer {
		return nil, ErrNotOffer
	}

	client, err = NewWebRTCClient(sdp, c, iceServers, signals, c.logger.Named("webrtc"))
	if err != nil {
		return nil, err
	}

	client.mu.Lock()
	client.onGone = func() {
		c.clients.remove(client.ID)
		c.Lost(client.ID)
	}
	client.mu.Unlock()

	c.clients.add(client)
	c.logger.Infow("webrtc client connected", "client", client.ID)
	return client, nil
}

// UpdateClients sends the kit state to every WebRTC client at interval
// until ctx ends.
func (c *Conductor) UpdateClients(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = STATE_INTERVAL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		clients := c.clients.list()
		if len(clients) == 0 {
			continue
		}

		msg, err := json.Marshal(c.Kit.State())
		if err != nil {
			c.logger.Errorw("unable to encode state", "err", err)
			continue
		}
		for _, client := range clients {
			if err := client.SendState(msg); err != nil {
				c.logger.Debugw("state not sent", "client", client.ID, "err", err)
			}
		}
	}
}
