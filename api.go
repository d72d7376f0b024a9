package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/CodedInternet/gomihu/dispatch"
	"github.com/CodedInternet/gomihu/input"
	"github.com/CodedInternet/gomihu/kit"
)

const CONNECT_TIMEOUT = 30 * time.Second

//---
// Payloads
//---

// MotorPayload matches the body the kit's own HTTP endpoint accepts.
type MotorPayload struct {
	ID    int         `json:"id"`
	Speed interface{} `json:"speed"`
}

func (p *MotorPayload) Bind(r *http.Request) error {
	if p.ID == 0 {
		return errors.New("id is required")
	}
	return nil
}

type GroupPayload struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
	Force bool        `json:"force"`
}

func (p *GroupPayload) Bind(r *http.Request) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type DPadPayload struct {
	Button string `json:"button"`
}

func (p *DPadPayload) Bind(r *http.Request) error {
	return nil
}

type VisibilityPayload struct {
	State string `json:"state"` // "hidden" or "visible"
}

func (p *VisibilityPayload) Bind(r *http.Request) error {
	return nil
}

type SendPayload struct {
	Text string `json:"text"`
}

func (p *SendPayload) Bind(r *http.Request) error {
	if p.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

//---
// Views
//---

func GetState(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ENV.Kit.State())
}

func GetTerminal(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ENV.Kit.Terminal.History())
}

func PostMotor(w http.ResponseWriter, r *http.Request) {
	data := &MotorPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Kit.Controller.Request(data.ID, data.Speed)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, ENV.Kit.State())
}

func PostGroup(w http.ResponseWriter, r *http.Request) {
	data := &GroupPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	value := dispatch.ToInt(data.Value)
	var err error
	if data.Force {
		err = ENV.Kit.Controller.SetGroup(data.Name, value, true)
	} else {
		err = ENV.Kit.Controller.DriveGroup(data.Name, value)
	}
	if err == dispatch.ErrUnknownGroup {
		render.Render(w, r, ErrNotFound)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, ENV.Kit.State())
}

func PostDPad(w http.ResponseWriter, r *http.Request) {
	data := &DPadPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if _, _, err := ENV.Kit.DPad.Press(input.Button(data.Button)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, ENV.Kit.State())
}

func PostStop(w http.ResponseWriter, r *http.Request) {
	ENV.Kit.Controller.StopAll()
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, ENV.Kit.State())
}

func PostVisibility(w http.ResponseWriter, r *http.Request) {
	data := &VisibilityPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if data.State == "hidden" {
		ENV.Kit.Controller.Hidden()
	}
	render.NoContent(w, r)
}

func PostSend(w http.ResponseWriter, r *http.Request) {
	data := &SendPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := ENV.Kit.SendText(r.Context(), data.Text); err != nil {
		render.Render(w, r, ErrUnavailable(err))
		return
	}
	render.NoContent(w, r)
}

func PostConnect(w http.ResponseWriter, r *http.Request) {
	operator := operatorEmail(r)
	ctx, cancel := context.WithTimeout(r.Context(), CONNECT_TIMEOUT)
	defer cancel()

	err := ENV.Kit.Connect(ctx)
	switch {
	case err == kit.ErrAlreadyConnected:
		render.Render(w, r, ErrConflict(err))
		return
	case err != nil:
		render.Render(w, r, ErrUnavailable(err))
		return
	}

	if d, ok := ENV.Kit.Device(); ok {
		ENV.Logger.Infow("kit connected", "operator", operator, "device", d.Name, "link", d.Link)
		if err := rememberDevice(ENV.DB, d, operator); err != nil {
			ENV.Logger.Warnw("unable to remember device", "err", err)
		}
	}
	render.JSON(w, r, ENV.Kit.State())
}

func PostDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := ENV.Kit.Disconnect(r.Context()); err != nil {
		render.Render(w, r, ErrConflict(err))
		return
	}
	ENV.Logger.Infow("kit disconnected", "operator", operatorEmail(r))
	render.JSON(w, r, ENV.Kit.State())
}
