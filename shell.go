package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/charmbracelet/lipgloss"

	"github.com/CodedInternet/gomihu/dispatch"
	"github.com/CodedInternet/gomihu/input"
	"github.com/CodedInternet/gomihu/kit"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	movingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// renderState draws the kit state for the shell.
func renderState(s kit.State) string {
	var b strings.Builder

	device := "none"
	if s.Device != nil {
		device = s.Device.Name
		if s.Device.Address != "" {
			device += " (" + s.Device.Address + ")"
		}
	}
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render("kit "+s.Status), mutedStyle.Render("device: "+device+"  transport: "+s.Transport))

	for _, c := range s.Channels {
		line := fmt.Sprintf("motor %d  %4d", c.ID, c.LastSent)
		switch {
		case c.InFlight:
			line = busyStyle.Render(line + "  writing")
		case c.LastSent != dispatch.STOP:
			line = movingStyle.Render(line)
		}
		if c.Pending != nil {
			line += mutedStyle.Render(fmt.Sprintf("  next %d", *c.Pending))
		}
		b.WriteString(line + "\n")
	}

	groups := make([]string, 0, len(s.Groups))
	for _, g := range s.Groups {
		groups = append(groups, fmt.Sprintf("%s=%d %v", g.Name, g.Value, g.Members))
	}
	b.WriteString(mutedStyle.Render("groups: " + strings.Join(groups, "  ")))

	return boxStyle.Render(b.String())
}

func newShell(k *kit.Kit) *ishell.Shell {
	shell := ishell.New()
	shell.Println("Mihu kit shell")
	shell.ShowPrompt(true)

	groupNames := func([]string) (names []string) {
		for _, g := range k.Controller.Groups() {
			names = append(names, g.Name)
		}
		return
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "createoperator",
		Help: "createoperator <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true)

			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			operator := &Operator{
				Email: email,
				Name:  email,
				Admin: true,
			}
			operator.SetPassword([]byte(password))
			if err := ENV.DB.Save(operator); err != nil {
				c.Err(err)
				return
			}
			c.Println("Operator created")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "connect [address]",
		Func: func(c *ishell.Context) {
			if len(c.Args) >= 1 {
				k.UseAddress(c.Args[0])
			}

			ctx, cancel := context.WithTimeout(context.Background(), CONNECT_TIMEOUT)
			defer cancel()
			if err := k.Connect(ctx); err != nil {
				c.Err(err)
				return
			}
			if d, ok := k.Device(); ok {
				if ENV.DB != nil {
					rememberDevice(ENV.DB, d, "shell")
				}
				c.Printf("Connected to %s\n", d.Name)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "disconnect",
		Help: "disconnect",
		Func: func(c *ishell.Context) {
			if err := k.Disconnect(context.Background()); err != nil {
				c.Err(err)
				return
			}
			c.Println("Disconnected")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "motor",
		Help: "motor <id> <speed>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Println(c.HelpText())
				return
			}
			id, err := strconv.Atoi(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			k.Controller.Request(id, c.Args[1])
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "group",
		Completer: groupNames,
		Help:      "group <name> <value>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Println(c.HelpText())
				return
			}
			if err := k.Controller.DriveGroup(c.Args[0], dispatch.ToInt(c.Args[1])); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "dpad",
		Completer: func([]string) []string {
			return []string{string(input.Up), string(input.Down), string(input.Left), string(input.Right), string(input.Stop)}
		},
		Help: "dpad <up|down|left|right|stop>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Println(c.HelpText())
				return
			}
			l, r, err := k.DPad.Press(input.Button(c.Args[0]))
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("L:%d R:%d\n", l, r)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "stop every motor",
		Func: func(c *ishell.Context) {
			k.Controller.StopAll()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "hide",
		Help: "act as if the control page went out of view",
		Func: func(c *ishell.Context) {
			k.Controller.Hidden()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send <text>",
		Func: func(c *ishell.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := k.SendText(ctx, strings.Join(c.Args, " ")); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "Reads the current state of the kit",
		Func: func(c *ishell.Context) {
			c.Println(renderState(k.State()))
		},
	})

	return shell
}
