package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CodedInternet/gomihu/comms"
)

const SIGNAL_BUFFER = 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ControlHandler takes commands from a browser over a websocket and answers
// each one. Losing the socket stops the kit.
func ControlHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ENV.Logger.Warnw("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	session := uuid.New().String()
	logger := ENV.Logger.With("session", session)
	logger.Infow("control surface connected", "remote", r.RemoteAddr)
	defer ENV.Conductor.Lost(session)

	for {
		var cmd comms.Cmd
		if err := conn.ReadJSON(&cmd); err != nil {
			switch err.(type) {
			case *json.SyntaxError, *json.UnmarshalTypeError:
				conn.WriteJSON(comms.Reply{Error: "invalid json"})
				continue
			}
			logger.Debugw("control socket closed", "err", err)
			return
		}

		reply := ENV.Conductor.ProcessCommand(cmd)
		if err := conn.WriteJSON(reply); err != nil {
			logger.Debugw("write failed", "err", err)
			return
		}
	}
}

// TerminalHandler mirrors the device terminal: the history first, then every
// new line. Text frames from the browser are sent to the device.
func TerminalHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ENV.Logger.Warnw("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	lines, cancel := ENV.Kit.Terminal.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			ctx, stop := context.WithTimeout(r.Context(), comms.SEND_TIMEOUT)
			if err := ENV.Kit.SendText(ctx, string(msg)); err != nil {
				ENV.Logger.Debugw("terminal send failed", "err", err)
			}
			stop()
		}
	}()

	for _, line := range ENV.Kit.Terminal.History() {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
	}
}

// WebRTCSignalHandler carries the offer, answer and ICE candidates needed to
// set up a WebRTC control surface.
func WebRTCSignalHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ENV.Logger.Warnw("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	msgs := make(chan string, SIGNAL_BUFFER)
	done := make(chan struct{})
	defer close(done)

	go func(conn *websocket.Conn, msgs chan string) {
		for {
			select {
			case <-done:
				return
			case msg := <-msgs:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}(conn, msgs)

	var client *comms.WebRTCClient
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			ENV.Logger.Debugw("signal socket closed", "err", err)
			break
		}

		var sig map[string]interface{}
		if err := json.Unmarshal(msg, &sig); err != nil {
			ENV.Logger.Debugw("bad signal", "err", err)
			continue
		}

		if _, ok := sig["candidate"]; ok {
			if client == nil {
				continue
			}
			if err := client.AddIceCandidate(string(msg)); err != nil {
				ENV.Logger.Debugw("bad ice candidate", "err", err)
			}
			continue
		}

		client, err = ENV.Conductor.ReceiveOffer(string(msg), ENV.ICEServers, msgs)
		if err != nil {
			ENV.Logger.Warnw("unable to accept offer", "err", err)
		}
	}
}
