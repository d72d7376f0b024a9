package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pion/webrtc/v2"
	"github.com/pkg/errors"
)

const (
	TWILIO_API = "https://api.twilio.com/2010-04-01"
	TWILIO_TTL = "21600"
)

var ErrNoTwilioConfig = errors.New("TWILIO_SID and TWILIO_TOKEN are not set")

type twilioConfig struct {
	Sid   string `env:"TWILIO_SID"`
	Token string `env:"TWILIO_TOKEN"`
}

// TwilioClient fetches short lived TURN credentials from Twilio.
type TwilioClient struct {
	config   twilioConfig
	endpoint string
	client   *http.Client
}

type twilioTokensResponse struct {
	IceServers []twilioIceServer `json:"ice_servers"`
}

type twilioIceServer struct {
	Url        string `json:"url"`
	Urls       string `json:"urls"`
	Credential string `json:"credential"`
	Username   string `json:"username"`
}

func NewTwilioClient() (tc *TwilioClient, err error) {
	tc = &TwilioClient{
		endpoint: TWILIO_API,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	if err = env.Parse(&tc.config); err != nil {
		return nil, err
	}

	if tc.config.Sid == "" || tc.config.Token == "" {
		return nil, ErrNoTwilioConfig
	}

	return
}

func (tc *TwilioClient) ICEServers(ctx context.Context) (iceServers []webrtc.ICEServer, err error) {
	u := fmt.Sprintf("%s/Accounts/%s/Tokens.json", tc.endpoint, tc.config.Sid)
	form := url.Values{}
	form.Add("Ttl", TWILIO_TTL)

	req, err := http.NewRequest(http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(tc.config.Sid, tc.config.Token)

	resp, err := tc.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get response")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("twilio server returned status code %d", resp.StatusCode)
	}

	var tokens twilioTokensResponse
	if err = json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, errors.Wrap(err, "unable to read JSON response")
	}

	if len(tokens.IceServers) == 0 {
		return nil, errors.New("JSON did not contain any ice servers")
	}

	for _, ices := range tokens.IceServers {
		u := ices.Urls
		if u == "" {
			u = ices.Url
		}
		server := webrtc.ICEServer{URLs: []string{u}}
		if ices.Username != "" {
			server.Username = ices.Username
			server.Credential = ices.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, server)
	}

	return
}

// StaticICEServers turns configured server URLs into ICE servers.
func StaticICEServers(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
