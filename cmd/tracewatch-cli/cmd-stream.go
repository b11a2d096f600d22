package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/kx-labs/tracewatch/modules/bus"
	"github.com/kx-labs/tracewatch/pkg/api"
)

type streamCmd struct {
	Raw bool `help:"print raw frames instead of one message per line"`
}

func (cmd *streamCmd) Run(opts *globalOptions) error {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = api.PathStream

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if cmd.Raw {
				fmt.Println(string(raw))
				continue
			}

			var msg bus.Message
			if err := jsoniter.Unmarshal(raw, &msg); err != nil {
				fmt.Fprintln(os.Stderr, "failed to parse message:", err)
				continue
			}
			fmt.Printf("%s %s %s\n", msg.Timestamp, msg.Type, string(raw))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
		return nil
	case <-interrupt:
		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			return err
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}
