package comms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/pion/webrtc/v2"
	. "github.com/smartystreets/goconvey/convey"
)

func TestTwilioClient(t *testing.T) {
	Convey("without credentials there is no client", t, func() {
		os.Unsetenv("TWILIO_SID")
		os.Unsetenv("TWILIO_TOKEN")
		_, err := NewTwilioClient()
		So(err, ShouldEqual, ErrNoTwilioConfig)
	})

	Convey("Given a token endpoint", t, func() {
		var user, pass, path string
		status := http.StatusCreated
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, _ = r.BasicAuth()
			path = r.URL.Path
			w.WriteHeader(status)
			w.Write([]byte(`{"ice_servers": [
				{"url": "stun:global.stun.twilio.com:3478"},
				{"urls": "turn:global.turn.twilio.com:3478", "username": "u", "credential": "p"}
			]}`))
		}))
		defer server.Close()

		os.Setenv("TWILIO_SID", "AC123")
		os.Setenv("TWILIO_TOKEN", "secret")
		defer os.Unsetenv("TWILIO_SID")
		defer os.Unsetenv("TWILIO_TOKEN")

		tc, err := NewTwilioClient()
		So(err, ShouldBeNil)
		tc.endpoint = server.URL

		Convey("servers are converted", func() {
			servers, err := tc.ICEServers(context.Background())
			So(err, ShouldBeNil)
			So(user, ShouldEqual, "AC123")
			So(pass, ShouldEqual, "secret")
			So(path, ShouldEqual, "/Accounts/AC123/Tokens.json")
			So(servers, ShouldHaveLength, 2)
			So(servers[0].URLs, ShouldResemble, []string{"stun:global.stun.twilio.com:3478"})
			So(servers[1].Username, ShouldEqual, "u")
			So(servers[1].CredentialType, ShouldEqual, webrtc.ICECredentialTypePassword)
		})

		Convey("other status codes are errors", func() {
			status = http.StatusUnauthorized
			_, err := tc.ICEServers(context.Background())
			So(err, ShouldNotBeNil)
		})
	})

	Convey("static servers keep their urls", t, func() {
		servers := StaticICEServers([]string{"stun:a", "stun:b"})
		So(servers, ShouldHaveLength, 2)
		So(servers[1].URLs, ShouldResemble, []string{"stun:b"})
	})
}
