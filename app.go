// app.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dqhuy/unilink/internal/call"
	"github.com/dqhuy/unilink/internal/config"
	"github.com/dqhuy/unilink/internal/directory"
	"github.com/dqhuy/unilink/internal/media"
	"github.com/dqhuy/unilink/internal/signaling"
)

// App is the interactive call agent: one local user, one relay connection,
// one call at a time.
type App struct {
	cfg     config.Config
	manager *call.Manager

	// ringing is the undecided inbound call, if any. The command loop is the
	// only reader and the manager fires hooks one at a time, so plain
	// assignment is enough.
	ringing *call.IncomingCall
}

// NewApp wires transport, directory and manager from cfg.
func NewApp(cfg config.Config) *App {
	transport := signaling.NewRelayClient(cfg.Relay.URL, cfg.Relay.APIKey)

	var dir directory.Resolver
	if cfg.Relay.DirectoryURL != "" {
		dir = directory.NewClient(cfg.Relay.DirectoryURL, cfg.Relay.APIKey)
	}

	app := &App{cfg: cfg}

	events := &call.Events{
		StatusChanged: func(st call.Status) {
			fmt.Printf("\r* call %s\n> ", st)
		},
		RemoteMediaReady: func(t call.RemoteTrack) {
			fmt.Printf("\r* receiving remote %s\n> ", t.Kind)
		},
		Error: func(kind call.ErrorKind, msg string) {
			fmt.Printf("\r* %s: %s\n> ", kind, msg)
		},
	}
	hooks := call.Hooks{
		OnIncoming: func(ic *call.IncomingCall) {
			app.ringing = ic
			fmt.Printf("\r* incoming %s call from %s (accept / reject)\n> ", ic.Kind, ic.Caller.Name)
		},
		OnRetract: func(callerID string) {
			app.ringing = nil
			fmt.Printf("\r* call from %s withdrawn\n> ", callerID)
		},
	}

	app.manager = call.NewManager(cfg.Identity.UserID, transport, dir,
		sessionConfigFrom(cfg), events, hooks)
	return app
}

// sessionConfigFrom maps the call/media tunables to a session config.
func sessionConfigFrom(cfg config.Config) call.SessionConfig {
	return call.SessionConfig{
		STUNServers: cfg.Call.STUNServers,
		MediaOptions: media.Options{
			Width:  cfg.Media.Width,
			Height: cfg.Media.Height,
		},
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	}
}

// ApplyConfig installs reloaded call/media tunables for future calls.
// Identity and relay are fixed for the lifetime of the process.
func (a *App) ApplyConfig(next config.Config) {
	a.manager.SetSessionConfig(sessionConfigFrom(next))
}

// Run starts the listener and serves the command loop until ctx is done or
// the user quits.
func (a *App) Run(ctx context.Context, dialUser string, video bool) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer a.manager.Close()

	fmt.Printf("signed in as %s (%s), relay %s\n",
		a.cfg.Identity.DisplayName, a.cfg.Identity.UserID, a.cfg.Relay.URL)

	if dialUser != "" {
		a.placeCall(ctx, dialUser, video)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if a.dispatch(ctx, line) {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

// dispatch runs one command line; returns true to quit.
func (a *App) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <user-id> [video]")
			return false
		}
		video := len(fields) > 2 && fields[2] == "video"
		a.placeCall(ctx, fields[1], video)
	case "accept":
		if a.ringing == nil {
			fmt.Println("no ringing call")
			return false
		}
		ic := a.ringing
		a.ringing = nil
		if _, err := ic.Accept(ctx); err != nil {
			fmt.Printf("accept failed: %v\n", err)
		}
	case "reject":
		if a.ringing == nil {
			fmt.Println("no ringing call")
			return false
		}
		a.ringing.Reject()
		a.ringing = nil
	case "hangup":
		if sess := a.manager.Active(); sess != nil {
			sess.Hangup(call.ReasonEnded)
		} else {
			fmt.Println("no active call")
		}
	case "mute":
		if sess := a.manager.Active(); sess != nil {
			fmt.Printf("muted=%v\n", sess.SetMuted(true))
		}
	case "unmute":
		if sess := a.manager.Active(); sess != nil {
			fmt.Printf("muted=%v\n", sess.SetMuted(false))
		}
	case "status":
		if sess := a.manager.Active(); sess != nil {
			fmt.Printf("%s call with %s: %s\n", sess.Kind(), sess.RemoteID(), sess.Status())
		} else if a.ringing != nil {
			fmt.Printf("ringing: %s calling\n", a.ringing.Caller.Name)
		} else {
			fmt.Println("idle")
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println("commands: call <user> [video] | accept | reject | hangup | mute | unmute | status | quit")
	}
	return false
}

func (a *App) placeCall(ctx context.Context, userID string, video bool) {
	kind := media.Voice
	if video {
		kind = media.Video
	}
	if _, err := a.manager.PlaceCall(ctx, userID, kind); err != nil {
		if errors.Is(err, call.ErrCallInProgress) {
			fmt.Println("already in a call")
			return
		}
		fmt.Printf("call failed: %v\n", err)
	}
}
